package station

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/roster"
	"github.com/0gfoundation/mealvoucher/internal/syncer"
	"github.com/0gfoundation/mealvoucher/internal/validator"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeOnline struct {
	calls int
	resp  *api.ValidationResponse
	err   error
	block chan struct{}
}

func (f *fakeOnline) Validate(context.Context, *voucher.Payload) (*api.ValidationResponse, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return f.resp, f.err
}

type fakeOffline struct {
	calls int
	res   validator.Result
}

func (f *fakeOffline) Validate(_ context.Context, p *voucher.Payload) (validator.Result, error) {
	f.calls++
	r := f.res
	r.StudentID = p.UserID
	return r, nil
}

type fakeRoster struct{ err error }

func (f fakeRoster) Refresh(context.Context) (*roster.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return roster.NewSnapshot("2023-11-14", time.Now(), nil, nil), nil
}

type fakeSyncer struct{ res syncer.Result }

func (f fakeSyncer) Sync(context.Context) (syncer.Result, error) { return f.res, nil }

type memHistory struct{ records []voucher.ScanRecord }

func (m *memHistory) Record(_ context.Context, r voucher.ScanRecord) error {
	m.records = append(m.records, r)
	return nil
}

func rawVoucher(t *testing.T, nonce string) string {
	t.Helper()
	return voucher.EncodeCompact(&voucher.Payload{
		UserID: "S1", Timestamp: 1_700_000_010, MealType: "LUNCH", Nonce: nonce, Signature: "ab",
	})
}

var granted = validator.Result{Valid: true, Code: validator.CodeOK, Message: validator.CodeOK.Message(), MealType: "LUNCH"}

// ── Scan ─────────────────────────────────────────────────────────────────────

func TestScan_OfflineUsesLocalValidator(t *testing.T) {
	off := &fakeOffline{res: granted}
	s := New(nil, off, fakeRoster{}, fakeSyncer{}, Config{Online: true}, zap.NewNop())
	if s.Online() {
		t.Fatal("a station without a server client cannot be online")
	}

	out, err := s.Scan(context.Background(), rawVoucher(t, "n1"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !out.Valid || out.Code != "OK" || !out.Offline || out.StudentID != "S1" {
		t.Errorf("outcome: %+v", out)
	}
	if off.calls != 1 {
		t.Errorf("offline calls: %d", off.calls)
	}
}

func TestScan_UnrecognizedHasNoSideEffects(t *testing.T) {
	on := &fakeOnline{}
	off := &fakeOffline{}
	s := New(on, off, fakeRoster{}, fakeSyncer{}, Config{Online: true}, zap.NewNop())

	_, err := s.Scan(context.Background(), "https://example.com/menu")
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("got %v, want ErrUnrecognized", err)
	}
	if on.calls+off.calls != 0 {
		t.Error("no validator may run for an unparseable frame")
	}
}

func TestScan_DebounceSameFrame(t *testing.T) {
	off := &fakeOffline{res: granted}
	s := New(nil, off, fakeRoster{}, fakeSyncer{}, Config{}, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	raw := rawVoucher(t, "n1")
	ctx := context.Background()

	if _, err := s.Scan(ctx, raw); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := s.Scan(ctx, raw); !errors.Is(err, ErrDuplicateFrame) {
		t.Errorf("repeat within window: got %v", err)
	}
	if _, err := s.Scan(ctx, rawVoucher(t, "n2")); err != nil {
		t.Errorf("different frame must pass: %v", err)
	}
	now = now.Add(3 * time.Second)
	if _, err := s.Scan(ctx, raw); err != nil {
		t.Errorf("repeat after window must pass: %v", err)
	}
	if off.calls != 3 {
		t.Errorf("offline calls: got %d, want 3", off.calls)
	}
}

func TestScan_SingleInFlight(t *testing.T) {
	on := &fakeOnline{resp: &api.ValidationResponse{IsValid: true}, block: make(chan struct{})}
	s := New(on, &fakeOffline{}, fakeRoster{}, fakeSyncer{}, Config{Online: true}, zap.NewNop())
	ctx := context.Background()

	first := rawVoucher(t, "n1")
	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, first)
		done <- err
	}()
	for !s.inFlight.Load() {
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Scan(ctx, rawVoucher(t, "n2")); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent scan: got %v, want ErrBusy", err)
	}
	close(on.block)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
}

func TestScan_BusyFrameIsNotDebounced(t *testing.T) {
	on := &fakeOnline{resp: &api.ValidationResponse{IsValid: true}, block: make(chan struct{})}
	s := New(on, &fakeOffline{}, fakeRoster{}, fakeSyncer{}, Config{Online: true}, zap.NewNop())
	ctx := context.Background()

	first, second := rawVoucher(t, "n1"), rawVoucher(t, "n2")
	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, first)
		done <- err
	}()
	for !s.inFlight.Load() {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.Scan(ctx, second); !errors.Is(err, ErrBusy) {
		t.Fatalf("while busy: got %v, want ErrBusy", err)
	}
	close(on.block)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}

	// The rejected frame was never processed, so an immediate rescan runs.
	if _, err := s.Scan(ctx, second); err != nil {
		t.Errorf("rescan after busy: %v", err)
	}
}

func TestScan_OnlineResponseAndHistory(t *testing.T) {
	on := &fakeOnline{resp: &api.ValidationResponse{
		IsValid: false, StudentName: "Petrov Ivan", MealType: "LUNCH", ErrorCode: "ALREADY_EATEN",
	}}
	off := &fakeOffline{}
	hist := &memHistory{}
	s := New(on, off, fakeRoster{}, fakeSyncer{}, Config{Online: true, History: hist}, zap.NewNop())

	out, err := s.Scan(context.Background(), rawVoucher(t, "n1"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Valid || out.Code != "ALREADY_EATEN" || out.Offline {
		t.Errorf("outcome: %+v", out)
	}
	if out.Message != validator.CodeAlreadyEaten.Message() {
		t.Errorf("missing message filled from code: %q", out.Message)
	}
	if off.calls != 0 {
		t.Error("online scan must not also validate offline")
	}
	if len(hist.records) != 1 || hist.records[0].Code != "ALREADY_EATEN" {
		t.Errorf("history: %+v", hist.records)
	}
}

// ── Online / offline switching ───────────────────────────────────────────────

func TestScan_TransportFailureSwitchesToOffline(t *testing.T) {
	on := &fakeOnline{err: errors.New("dial tcp: connection refused")}
	off := &fakeOffline{res: granted}
	s := New(on, off, fakeRoster{}, fakeSyncer{res: syncer.Result{Submitted: 1, SuccessCount: 1}}, Config{Online: true}, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Scan(ctx, rawVoucher(t, "n1")); err == nil {
		t.Fatal("failed online scan must return an error")
	}
	if off.calls != 0 {
		t.Error("no in-scan fallback to offline")
	}
	if s.Online() {
		t.Fatal("station must be offline after a transport failure")
	}

	out, err := s.Scan(ctx, rawVoucher(t, "n2"))
	if err != nil || !out.Offline {
		t.Fatalf("next scan: out=%+v err=%v", out, err)
	}

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !s.Online() {
		t.Error("successful sync must restore online mode")
	}
}

func TestScan_ServerRejectionKeepsOnline(t *testing.T) {
	on := &fakeOnline{err: &api.Error{Op: "validate", Status: http.StatusForbidden, Message: "device not registered"}}
	s := New(on, &fakeOffline{}, fakeRoster{}, fakeSyncer{}, Config{Online: true}, zap.NewNop())

	if _, err := s.Scan(context.Background(), rawVoucher(t, "n1")); err == nil {
		t.Fatal("expected error")
	}
	if !s.Online() {
		t.Error("a 4xx answer proves the server is reachable")
	}
}

func TestRunSync_RestoresOnlineMode(t *testing.T) {
	on := &fakeOnline{err: errors.New("dial tcp: connection refused")}
	sy := fakeSyncer{res: syncer.Result{Submitted: 1, SuccessCount: 1}}
	s := New(on, &fakeOffline{}, fakeRoster{}, sy, Config{Online: true}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Scan(ctx, rawVoucher(t, "n1")) //nolint:errcheck
	if s.Online() {
		t.Fatal("station must be offline after a transport failure")
	}

	done := make(chan struct{})
	go func() {
		s.RunSync(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Online() {
		if time.Now().After(deadline) {
			t.Fatal("periodic sync did not restore online mode")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSync did not stop")
	}
}

func TestRefresh_RestoresOnlineOnlyOnSuccess(t *testing.T) {
	on := &fakeOnline{err: errors.New("timeout")}
	s := New(on, &fakeOffline{}, fakeRoster{err: errors.New("offline")}, fakeSyncer{}, Config{Online: true}, zap.NewNop())
	ctx := context.Background()
	s.Scan(ctx, rawVoucher(t, "n1")) //nolint:errcheck

	if _, err := s.Refresh(ctx); err == nil {
		t.Fatal("expected refresh error")
	}
	if s.Online() {
		t.Error("failed refresh must not restore online mode")
	}

	s.roster = fakeRoster{}
	if _, err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !s.Online() {
		t.Error("successful refresh must restore online mode")
	}
}
