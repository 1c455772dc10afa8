// Package station is the chef device's scan loop: it turns decoded QR
// frames into validation outcomes, online through the server or offline
// against the local roster and ledger.
package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/roster"
	"github.com/0gfoundation/mealvoucher/internal/syncer"
	"github.com/0gfoundation/mealvoucher/internal/validator"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// DefaultDebounce suppresses repeated camera frames of the same code.
const DefaultDebounce = 2 * time.Second

var (
	ErrDuplicateFrame = errors.New("same code scanned again within debounce window")
	ErrBusy           = errors.New("another scan is in progress")
	ErrUnrecognized   = errors.New("unrecognized QR code")
)

// OnlineValidator asks the server to validate. *api.Client satisfies it.
type OnlineValidator interface {
	Validate(ctx context.Context, p *voucher.Payload) (*api.ValidationResponse, error)
}

// OfflineValidator validates locally. *validator.Validator satisfies it.
type OfflineValidator interface {
	Validate(ctx context.Context, p *voucher.Payload) (validator.Result, error)
}

// RosterRefresher downloads a fresh roster. *roster.Cache satisfies it.
type RosterRefresher interface {
	Refresh(ctx context.Context) (*roster.Snapshot, error)
}

// Syncer uploads offline transactions. *syncer.Coordinator satisfies it.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Result, error)
}

// Outcome is what the operator sees for one scan.
type Outcome struct {
	Valid       bool
	Code        string
	Message     string
	StudentID   string
	StudentName string
	GroupName   string
	MealType    string
	Offline     bool
}

// Config selects the station's mode and timings.
type Config struct {
	// Online routes scans through the server until a transport failure.
	Online         bool
	Debounce       time.Duration
	RequestTimeout time.Duration
	// History records online outcomes; offline ones are recorded by the
	// local validator.
	History validator.HistorySink
}

type Station struct {
	online  OnlineValidator
	offline OfflineValidator
	roster  RosterRefresher
	syncer  Syncer
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	onlineMode atomic.Bool
	inFlight   atomic.Bool

	mu       sync.Mutex
	lastRaw  string
	lastSeen time.Time
}

// New builds a Station. online may be nil for an offline-only device.
func New(online OnlineValidator, offline OfflineValidator, rr RosterRefresher, sy Syncer, cfg Config, log *zap.Logger) *Station {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if online == nil {
		cfg.Online = false
	}
	s := &Station{
		online:  online,
		offline: offline,
		roster:  rr,
		syncer:  sy,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
	s.onlineMode.Store(cfg.Online)
	return s
}

// Online reports whether the next scan goes to the server.
func (s *Station) Online() bool { return s.onlineMode.Load() }

// Scan validates one decoded QR frame.
//
// Exactly one validator runs per accepted scan. In online mode a transport
// failure fails the scan and switches later scans to offline; it does not
// fall back within the same scan.
func (s *Station) Scan(ctx context.Context, raw string) (Outcome, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, ErrBusy
	}
	defer s.inFlight.Store(false)
	// Only accepted frames start a debounce window.
	if s.debounced(raw) {
		return Outcome{}, ErrDuplicateFrame
	}

	p, err := voucher.Decode(raw)
	if err != nil {
		s.log.Debug("unrecognized frame", zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	if s.onlineMode.Load() {
		return s.scanOnline(ctx, p)
	}
	return s.scanOffline(ctx, p)
}

func (s *Station) debounced(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if raw == s.lastRaw && now.Sub(s.lastSeen) < s.cfg.Debounce {
		return true
	}
	s.lastRaw, s.lastSeen = raw, now
	return false
}

func (s *Station) scanOffline(ctx context.Context, p *voucher.Payload) (Outcome, error) {
	res, err := s.offline.Validate(ctx, p)
	if err != nil {
		return Outcome{}, fmt.Errorf("offline validation: %w", err)
	}
	return Outcome{
		Valid:       res.Valid,
		Code:        res.Code.String(),
		Message:     res.Message,
		StudentID:   p.UserID,
		StudentName: res.StudentName,
		GroupName:   res.GroupName,
		MealType:    res.MealType,
		Offline:     true,
	}, nil
}

func (s *Station) scanOnline(ctx context.Context, p *voucher.Payload) (Outcome, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.online.Validate(ctx, p)
	if err != nil {
		if api.IsTransport(err) {
			s.onlineMode.Store(false)
			s.log.Warn("server unreachable; switching to offline mode", zap.Error(err))
		}
		return Outcome{}, fmt.Errorf("online validation: %w", err)
	}

	out := Outcome{
		Valid:       resp.IsValid,
		Code:        resp.ErrorCode,
		Message:     resp.ErrorMessage,
		StudentID:   p.UserID,
		StudentName: resp.StudentName,
		GroupName:   resp.GroupName,
		MealType:    resp.MealType,
	}
	if out.Valid && out.Code == "" {
		out.Code = validator.CodeOK.String()
	}
	if out.Message == "" {
		if c, ok := validator.ParseCode(out.Code); ok {
			out.Message = c.Message()
		}
	}
	s.recordOnline(ctx, out)
	return out, nil
}

func (s *Station) recordOnline(ctx context.Context, out Outcome) {
	if s.cfg.History == nil {
		return
	}
	err := s.cfg.History.Record(ctx, voucher.ScanRecord{
		UserID:    out.StudentID,
		MealType:  out.MealType,
		Valid:     out.Valid,
		Code:      out.Code,
		Message:   out.Message,
		ScannedAt: s.now().Unix(),
	})
	if err != nil {
		s.log.Warn("scan history write failed", zap.Error(err))
	}
}

// Refresh downloads the roster. Success restores online mode when the
// station is configured for it.
func (s *Station) Refresh(ctx context.Context) (*roster.Snapshot, error) {
	snap, err := s.roster.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	s.restoreOnline()
	return snap, nil
}

// Sync uploads offline transactions. A sync that reached the server
// restores online mode when the station is configured for it; an empty
// log makes no call and proves nothing about connectivity.
func (s *Station) Sync(ctx context.Context) (syncer.Result, error) {
	res, err := s.syncer.Sync(ctx)
	if err != nil {
		return res, err
	}
	if res.Submitted > 0 {
		s.restoreOnline()
	}
	return res, nil
}

func (s *Station) restoreOnline() {
	if s.cfg.Online && !s.onlineMode.Swap(true) {
		s.log.Info("server reachable; back to online mode")
	}
}

// RunSync syncs every interval until ctx is cancelled, with the same
// online-mode restoration as Sync. Failures are logged and retried on the
// next tick.
func (s *Station) RunSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("periodic sync started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("periodic sync stopped")
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("periodic sync", zap.Error(err))
			}
		}
	}
}
