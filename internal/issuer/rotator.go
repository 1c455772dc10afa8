package issuer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// DefaultRotation is how long a voucher stays on screen before reissue.
const DefaultRotation = 30 * time.Second

// Rotator keeps exactly one live voucher and reissues it on a countdown.
type Rotator struct {
	issuer   *Issuer
	userID   string
	privKey  *ecdsa.PrivateKey
	offset   time.Duration
	interval time.Duration
	publish  func(*voucher.Payload)
	log      *zap.Logger

	refresh chan struct{}

	mu      sync.RWMutex
	meal    voucher.MealType
	current *voucher.Payload
}

// RotatorConfig configures a Rotator. Publish is called with every new
// voucher; it may be nil.
type RotatorConfig struct {
	UserID       string
	PrivateKey   *ecdsa.PrivateKey
	Meal         voucher.MealType
	ServerOffset time.Duration
	Interval     time.Duration
	Publish      func(*voucher.Payload)
}

func NewRotator(iss *Issuer, cfg RotatorConfig, log *zap.Logger) *Rotator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRotation
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(*voucher.Payload) {}
	}
	return &Rotator{
		issuer:   iss,
		userID:   cfg.UserID,
		privKey:  cfg.PrivateKey,
		offset:   cfg.ServerOffset,
		interval: interval,
		publish:  publish,
		log:      log,
		refresh:  make(chan struct{}, 1),
		meal:     cfg.Meal,
	}
}

// Current returns the live voucher, or nil if none has been issued.
func (r *Rotator) Current() *voucher.Payload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetMeal switches the meal type and reissues immediately.
func (r *Rotator) SetMeal(m voucher.MealType) {
	r.mu.Lock()
	r.meal = m
	r.mu.Unlock()
	r.Refresh()
}

// Refresh cancels the running countdown and reissues immediately.
func (r *Rotator) Refresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Run issues a voucher immediately, then every interval or on Refresh,
// until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	r.log.Info("voucher rotation started", zap.String("user", r.userID), zap.Duration("interval", r.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("voucher rotation stopped")
			return
		case <-r.refresh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			r.rotate()
			timer.Reset(r.interval)
		case <-timer.C:
			r.rotate()
			timer.Reset(r.interval)
		}
	}
}

func (r *Rotator) rotate() {
	r.mu.RLock()
	meal := r.meal
	r.mu.RUnlock()

	p, err := r.issuer.Issue(r.userID, meal, r.privKey, r.offset)
	if err != nil {
		if errors.Is(err, ErrNoPrivateKey) {
			r.log.Warn("voucher not issued: account has no private key", zap.String("user", r.userID))
		} else {
			r.log.Error("voucher issue failed", zap.String("user", r.userID), zap.Error(err))
		}
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	r.publish(p)
}
