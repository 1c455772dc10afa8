// Package syncer uploads the chef station's offline transactions to the
// server in batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ErrSyncInProgress is returned when Sync is called while another sync runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// Ledger is the offline transaction log being drained.
type Ledger interface {
	Unsynced(ctx context.Context) ([]voucher.Transaction, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

// BatchSubmitter uploads a batch. *api.Client satisfies it.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, items []api.BatchItem) (*api.BatchResponse, error)
}

// Result summarises one sync.
type Result struct {
	Submitted    int
	SuccessCount int
	Items        []api.BatchItemResult
}

// Coordinator runs at most one sync at a time.
type Coordinator struct {
	ledger Ledger
	client BatchSubmitter
	// gate is held exclusively for a whole sync so no commit interleaves
	// between reading the unsynced set and marking it.
	gate  *sync.RWMutex
	state atomic.Int32
	log   *zap.Logger
}

// New builds a Coordinator. gate may be nil.
func New(ledger Ledger, client BatchSubmitter, gate *sync.RWMutex, log *zap.Logger) *Coordinator {
	return &Coordinator{ledger: ledger, client: client, gate: gate, log: log}
}

// State reports the coordinator's current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Sync uploads every unsynced transaction as one batch.
//
// An empty log makes no network call. If the server accepts at least one
// item, every submitted record is marked synced; on a transport error
// nothing is marked and the error is returned.
func (c *Coordinator) Sync(ctx context.Context) (Result, error) {
	for {
		cur := State(c.state.Load())
		if cur == StateSyncing {
			return Result{}, ErrSyncInProgress
		}
		if c.state.CompareAndSwap(int32(cur), int32(StateSyncing)) {
			break
		}
	}

	res, err := c.sync(ctx)
	if err != nil {
		c.state.Store(int32(StateError))
	} else {
		c.state.Store(int32(StateSuccess))
	}
	return res, err
}

func (c *Coordinator) sync(ctx context.Context) (Result, error) {
	if c.gate != nil {
		c.gate.Lock()
		defer c.gate.Unlock()
	}

	pending, err := c.ledger.Unsynced(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read unsynced: %w", err)
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	items := make([]api.BatchItem, len(pending))
	ids := make([]int64, len(pending))
	for i, tx := range pending {
		items[i] = api.BatchItem{
			StudentID:       tx.StudentID,
			Timestamp:       time.Unix(tx.Timestamp, 0).UTC().Format(time.RFC3339),
			MealType:        tx.MealType,
			TransactionHash: tx.Hash,
		}
		ids[i] = tx.ID
	}

	resp, err := c.client.SubmitBatch(ctx, items)
	if err != nil {
		c.log.Warn("sync: batch upload failed", zap.Int("pending", len(pending)), zap.Error(err))
		return Result{Submitted: len(pending)}, fmt.Errorf("submit batch: %w", err)
	}

	res := Result{Submitted: len(pending), SuccessCount: resp.SuccessCount, Items: resp.Items}
	logItems(res.Items, c.log)

	if resp.SuccessCount > 0 {
		if err := c.ledger.MarkSynced(ctx, ids); err != nil {
			return res, fmt.Errorf("mark synced: %w", err)
		}
	}
	c.log.Info("sync complete",
		zap.Int("submitted", res.Submitted),
		zap.Int("success", res.SuccessCount),
	)
	return res, nil
}
