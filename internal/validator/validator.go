// Package validator decides, from local state only, whether a voucher
// grants a meal.
//
// The pipeline is strictly ordered and short-circuits on the first failure:
//
//  1. key lookup          → USER_NOT_FOUND
//  2. signature           → INVALID_SIGNATURE
//  3. freshness           → EXPIRED
//  4. permission (today)  → NO_PERMISSION
//  5. double-spend check  → ALREADY_EATEN
//  6. commit
//
// Forged payloads stop at step 2 and never touch permission or ledger state.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// DefaultTolerance is the symmetric clock-skew window for freshness.
const DefaultTolerance = 120 * time.Second

// Roster resolves student keys and per-date permissions.
type Roster interface {
	StudentKey(ctx context.Context, userID string) (voucher.StudentKey, bool, error)
	Permission(ctx context.Context, studentID, date string) (voucher.Permission, bool, error)
}

// Ledger is the double-spend guard. Commit must fail with
// voucher.ErrAlreadyRedeemed if the slot is taken.
type Ledger interface {
	Redeemed(ctx context.Context, studentID, mealType string, dayStart int64) (bool, error)
	Commit(ctx context.Context, tx *voucher.Transaction) error
}

// HistorySink receives every outcome. Its errors never change a result.
type HistorySink interface {
	Record(ctx context.Context, r voucher.ScanRecord) error
}

// Config tunes a Validator. Zero values select defaults.
type Config struct {
	Tolerance time.Duration
	Location  *time.Location
	// Gate, when set, is read-locked around dedup+commit so an exclusive
	// holder (the sync coordinator) never overlaps a commit.
	Gate    *sync.RWMutex
	History HistorySink
	// Offline tags history records written by this validator.
	Offline bool
}

type Validator struct {
	roster func() Roster
	ledger Ledger
	cfg    Config
	locks  *keyedMutex
	now    func() time.Time
	log    *zap.Logger
}

// New builds a Validator. roster is called once per validation, so every
// step of one validation sees the same roster.
func New(roster func() Roster, ledger Ledger, cfg Config, log *zap.Logger) *Validator {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Validator{
		roster: roster,
		ledger: ledger,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		now:    time.Now,
		log:    log,
	}
}

// Validate runs the pipeline. Terminal outcomes are returned as a Result
// with Valid=false; the error is reserved for storage failures.
func (v *Validator) Validate(ctx context.Context, p *voucher.Payload) (Result, error) {
	res, err := v.validate(ctx, p)
	if err != nil {
		return Result{}, err
	}
	v.record(ctx, res)
	return res, nil
}

func (v *Validator) validate(ctx context.Context, p *voucher.Payload) (Result, error) {
	now := v.now()
	roster := v.roster()

	// 1. key lookup
	key, ok, err := roster.StudentKey(ctx, p.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup student key: %w", err)
	}
	if !ok {
		return reject(CodeUserNotFound, p), nil
	}
	withStudent := func(r Result) Result {
		r.StudentName = key.DisplayName()
		r.GroupName = key.GroupName
		return r
	}

	// 2. signature
	if err := voucher.Verify(p, key.PublicKey); err != nil {
		v.log.Warn("voucher signature rejected", zap.String("user", p.UserID), zap.Error(err))
		return withStudent(reject(CodeInvalidSignature, p)), nil
	}

	// 3. freshness
	skew := now.Unix() - p.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.cfg.Tolerance/time.Second) {
		return withStudent(reject(CodeExpired, p)), nil
	}

	// 4. permission, dated by scan time
	day := voucher.DayStart(now, v.cfg.Location)
	meal, known := voucher.ParseMealType(p.MealType)
	if !known {
		return withStudent(reject(CodeNoPermission, p)), nil
	}
	perm, found, err := roster.Permission(ctx, p.UserID, day.Format(voucher.DateLayout))
	if err != nil {
		return Result{}, fmt.Errorf("lookup permission: %w", err)
	}
	if !found || !perm.Allows(meal) {
		return withStudent(reject(CodeNoPermission, p)), nil
	}

	// 5 + 6 run under the slot lock so two scans of one student cannot both
	// pass the dedup check.
	unlock := v.locks.Lock(p.UserID + "|" + meal.String() + "|" + strconv.FormatInt(day.Unix(), 10))
	defer unlock()
	if v.cfg.Gate != nil {
		v.cfg.Gate.RLock()
		defer v.cfg.Gate.RUnlock()
	}

	redeemed, err := v.ledger.Redeemed(ctx, p.UserID, meal.String(), day.Unix())
	if err != nil {
		return Result{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if redeemed {
		return withStudent(reject(CodeAlreadyEaten, p)), nil
	}

	tx := &voucher.Transaction{
		StudentID:   p.UserID,
		StudentName: key.DisplayName(),
		GroupName:   key.GroupName,
		MealType:    meal.String(),
		Timestamp:   p.Timestamp,
		Nonce:       p.Nonce,
		Signature:   p.Signature,
		Hash:        voucher.TransactionHash(p.UserID, p.Timestamp, p.MealType, p.Nonce),
		DayStart:    day.Unix(),
	}
	if err := v.ledger.Commit(ctx, tx); err != nil {
		if errors.Is(err, voucher.ErrAlreadyRedeemed) {
			return withStudent(reject(CodeAlreadyEaten, p)), nil
		}
		return Result{}, fmt.Errorf("commit transaction: %w", err)
	}

	v.log.Info("meal granted",
		zap.String("student", p.UserID),
		zap.String("meal", meal.String()),
		zap.String("tx", tx.Hash),
	)
	return Result{
		Valid:       true,
		Code:        CodeOK,
		Message:     CodeOK.Message(),
		StudentID:   p.UserID,
		StudentName: tx.StudentName,
		GroupName:   tx.GroupName,
		MealType:    tx.MealType,
		Transaction: tx,
	}, nil
}

func (v *Validator) record(ctx context.Context, res Result) {
	if v.cfg.History == nil {
		return
	}
	err := v.cfg.History.Record(ctx, voucher.ScanRecord{
		UserID:    res.StudentID,
		MealType:  res.MealType,
		Valid:     res.Valid,
		Code:      res.Code.String(),
		Message:   res.Message,
		Offline:   v.cfg.Offline,
		ScannedAt: v.now().Unix(),
	})
	if err != nil {
		v.log.Warn("scan history write failed", zap.Error(err))
	}
}
