package roster

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// Source downloads the roster from the server.
type Source interface {
	StudentKeys(ctx context.Context) ([]voucher.StudentKey, error)
	TodayPermissions(ctx context.Context) ([]voucher.Permission, error)
}

// Persister stores the roster durably so an offline restart can validate.
type Persister interface {
	ReplaceRoster(ctx context.Context, date string, keys []voucher.StudentKey, perms []voucher.Permission) error
	LoadRoster(ctx context.Context) (string, []voucher.StudentKey, []voucher.Permission, error)
}

// Cache holds the current Snapshot behind an atomic pointer, so a
// validation always reads one consistent, fully populated roster.
type Cache struct {
	src   Source
	store Persister
	loc   *time.Location
	now   func() time.Time
	log   *zap.Logger

	current atomic.Pointer[Snapshot]
}

func NewCache(src Source, store Persister, loc *time.Location, log *zap.Logger) *Cache {
	if loc == nil {
		loc = time.UTC
	}
	c := &Cache{src: src, store: store, loc: loc, now: time.Now, log: log}
	c.current.Store(NewSnapshot("", time.Time{}, nil, nil))
	return c
}

// Current returns the live snapshot. It is never nil.
func (c *Cache) Current() *Snapshot { return c.current.Load() }

// Load restores the last persisted roster.
func (c *Cache) Load(ctx context.Context) error {
	date, keys, perms, err := c.store.LoadRoster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	if date == "" {
		c.log.Info("no persisted roster; download required before offline validation")
		return nil
	}
	c.current.Store(NewSnapshot(date, time.Time{}, keys, perms))
	c.log.Info("roster restored", zap.String("date", date), zap.Int("students", len(keys)))
	return nil
}

// Refresh downloads keys and today's permissions, persists them, and
// swaps them in. On any error the previous snapshot stays live.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	keys, err := c.src.StudentKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("download keys: %w", err)
	}
	perms, err := c.src.TodayPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("download permissions: %w", err)
	}

	now := c.now()
	date := voucher.DayStart(now, c.loc).Format(voucher.DateLayout)
	if err := c.store.ReplaceRoster(ctx, date, keys, perms); err != nil {
		return nil, fmt.Errorf("persist roster: %w", err)
	}

	snap := NewSnapshot(date, now, keys, perms)
	c.current.Store(snap)
	c.log.Info("roster refreshed",
		zap.String("date", date),
		zap.Int("students", len(keys)),
		zap.Int("permissions", len(perms)),
	)
	return snap, nil
}
