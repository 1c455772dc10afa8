package validator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/ledger"
	"github.com/0gfoundation/mealvoucher/internal/roster"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

// Fixed deterministic test key (not used anywhere outside tests)
const testPrivKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testNow is 2023-11-14T22:13:20Z; the voucher below was issued at the same second.
var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	v       *Validator
	ledger  *ledger.Store
	history *memHistory
	key     *ecdsa.PrivateKey
	snap    *roster.Snapshot
}

type memHistory struct {
	mu      sync.Mutex
	records []voucher.ScanRecord
	err     error
}

func (h *memHistory) Record(_ context.Context, r voucher.ScanRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return h.err
}

func newFixture(t *testing.T, perm voucher.Permission) *fixture {
	t.Helper()
	key, err := voucher.ParsePrivateKey(testPrivKeyHex)
	if err != nil {
		t.Fatalf("load test private key: %v", err)
	}
	store, err := ledger.Open(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	date := voucher.DayStart(testNow, time.UTC).Format(voucher.DateLayout)
	perm.StudentID = "S1"
	snap := roster.NewSnapshot(date, testNow,
		[]voucher.StudentKey{{
			UserID:    "S1",
			PublicKey: voucher.EncodePublicKey(&key.PublicKey),
			Name:      "Ivan",
			Surname:   "Petrov",
			GroupName: "G-101",
		}},
		[]voucher.Permission{perm},
	)

	h := &memHistory{}
	v := New(func() Roster { return snap }, store, Config{History: h, Offline: true}, zap.NewNop())
	v.now = func() time.Time { return testNow }
	return &fixture{v: v, ledger: store, history: h, key: key, snap: snap}
}

func (f *fixture) payload(t *testing.T, ts int64, meal, nonce string) *voucher.Payload {
	t.Helper()
	p := &voucher.Payload{UserID: "S1", Timestamp: ts, MealType: meal, Nonce: nonce}
	if err := voucher.Sign(p, f.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return p
}

func mustValidate(t *testing.T, v *Validator, p *voucher.Payload) Result {
	t.Helper()
	res, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return res
}

// ── Happy path + dedup ───────────────────────────────────────────────────────

func TestValidate_GrantsThenAlreadyEaten(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	p := f.payload(t, 1_700_000_000, "LUNCH", "abc123")

	res := mustValidate(t, f.v, p)
	if !res.Valid || res.Code != CodeOK {
		t.Fatalf("first scan: got %+v", res)
	}
	if res.StudentName != "Petrov Ivan" || res.GroupName != "G-101" || res.MealType != "LUNCH" {
		t.Errorf("student details: %+v", res)
	}
	if res.Transaction == nil || res.Transaction.Hash != voucher.TransactionHash("S1", 1_700_000_000, "LUNCH", "abc123") {
		t.Errorf("transaction: %+v", res.Transaction)
	}

	res = mustValidate(t, f.v, p)
	if res.Valid || res.Code != CodeAlreadyEaten {
		t.Fatalf("second scan: got %+v", res)
	}

	pending, _ := f.ledger.Unsynced(context.Background())
	if len(pending) != 1 || pending[0].Synced {
		t.Errorf("expected one unsynced transaction, got %+v", pending)
	}
}

func TestValidate_NewVoucherSameMealStillAlreadyEaten(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	mustValidate(t, f.v, f.payload(t, 1_700_000_000, "LUNCH", "n1"))

	res := mustValidate(t, f.v, f.payload(t, 1_700_000_000-30, "lunch", "n2"))
	if res.Code != CodeAlreadyEaten {
		t.Fatalf("expected ALREADY_EATEN for a second lunch voucher, got %s", res.Code)
	}
}

// ── Pipeline steps ───────────────────────────────────────────────────────────

func TestValidate_UserNotFound(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	p := f.payload(t, 1_700_000_000, "LUNCH", "n1")
	p.UserID = "S404"

	if res := mustValidate(t, f.v, p); res.Code != CodeUserNotFound {
		t.Fatalf("got %s want USER_NOT_FOUND", res.Code)
	}
}

func TestValidate_SignatureFailsBeforeAnythingElse(t *testing.T) {
	// No permission at all: a forged payload must still report the signature.
	f := newFixture(t, voucher.Permission{})
	p := f.payload(t, 1_700_000_000, "LUNCH", "n1")
	p.Nonce = "forged"

	res := mustValidate(t, f.v, p)
	if res.Code != CodeInvalidSignature {
		t.Fatalf("got %s want INVALID_SIGNATURE", res.Code)
	}
}

func TestValidate_SignatureCheckedWithoutPermissionRecord(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	// Same student, but the roster carries no permission record at all.
	snap := roster.NewSnapshot(f.snap.Date(), testNow, []voucher.StudentKey{
		{UserID: "S1", PublicKey: voucher.EncodePublicKey(&f.key.PublicKey)},
	}, nil)
	f.v.roster = func() Roster { return snap }

	p := f.payload(t, 1_700_000_000, "LUNCH", "n1")
	p.Nonce = "forged"
	if res := mustValidate(t, f.v, p); res.Code != CodeInvalidSignature {
		t.Fatalf("forged: got %s want INVALID_SIGNATURE", res.Code)
	}

	genuine := f.payload(t, 1_700_000_000, "LUNCH", "n2")
	if res := mustValidate(t, f.v, genuine); res.Code != CodeNoPermission {
		t.Fatalf("genuine: got %s want NO_PERMISSION", res.Code)
	}
}

func TestValidate_TamperedFieldsFailAtSignature(t *testing.T) {
	other, _ := crypto.GenerateKey()
	tamper := map[string]func(p *voucher.Payload){
		"userId":    func(p *voucher.Payload) { p.UserID = "S2" },
		"timestamp": func(p *voucher.Payload) { p.Timestamp ^= 1 },
		"mealType":  func(p *voucher.Payload) { p.MealType = "LUNCI" },
		"nonce":     func(p *voucher.Payload) { p.Nonce = "abc122" },
	}
	for name, fn := range tamper {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, voucher.Permission{Lunch: true})
			// S2 is a known student so a flipped userId reaches the signature step.
			snap := roster.NewSnapshot(f.snap.Date(), testNow, []voucher.StudentKey{
				{UserID: "S1", PublicKey: voucher.EncodePublicKey(&f.key.PublicKey)},
				{UserID: "S2", PublicKey: voucher.EncodePublicKey(&other.PublicKey)},
			}, []voucher.Permission{{StudentID: "S1", Lunch: true}, {StudentID: "S2", Lunch: true}})
			f.v.roster = func() Roster { return snap }

			p := f.payload(t, 1_700_000_000, "LUNCH", "abc123")
			fn(p)
			if res := mustValidate(t, f.v, p); res.Code != CodeInvalidSignature {
				t.Errorf("tampered %s: got %s want INVALID_SIGNATURE", name, res.Code)
			}
		})
	}
}

func TestValidate_FreshnessIsSymmetric(t *testing.T) {
	tol := int64(DefaultTolerance / time.Second)
	cases := []struct {
		name string
		ts   int64
		want Code
	}{
		{"too old", testNow.Unix() - tol - 1, CodeExpired},
		{"too new", testNow.Unix() + tol + 1, CodeExpired},
		{"oldest accepted", testNow.Unix() - tol, CodeOK},
		{"newest accepted", testNow.Unix() + tol, CodeOK},
		{"now", testNow.Unix(), CodeOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, voucher.Permission{Lunch: true})
			res := mustValidate(t, f.v, f.payload(t, tc.ts, "LUNCH", "n1"))
			if res.Code != tc.want {
				t.Errorf("ts=%d: got %s want %s", tc.ts, res.Code, tc.want)
			}
		})
	}
}

func TestValidate_NoPermission(t *testing.T) {
	f := newFixture(t, voucher.Permission{Breakfast: true})
	if res := mustValidate(t, f.v, f.payload(t, 1_700_000_000, "LUNCH", "n1")); res.Code != CodeNoPermission {
		t.Fatalf("flag false: got %s", res.Code)
	}
}

func TestValidate_UnknownMealTypeIsNoPermission(t *testing.T) {
	f := newFixture(t, voucher.Permission{Breakfast: true, Lunch: true, Dinner: true, Snack: true, Special: true})
	if res := mustValidate(t, f.v, f.payload(t, 1_700_000_000, "BRUNCH", "n1")); res.Code != CodeNoPermission {
		t.Fatalf("unknown meal: got %s", res.Code)
	}
}

func TestValidate_MealTypeCaseInsensitive(t *testing.T) {
	f := newFixture(t, voucher.Permission{Dinner: true})
	res := mustValidate(t, f.v, f.payload(t, 1_700_000_000, "dinner", "n1"))
	if !res.Valid {
		t.Fatalf("lowercase meal type: got %s", res.Code)
	}
	if res.Transaction.MealType != "DINNER" {
		t.Errorf("stored meal type: got %q want DINNER", res.Transaction.MealType)
	}
}

func TestValidate_PermissionFromAnotherDayIgnored(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	// Scanned the next day against yesterday's roster.
	f.v.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	p := f.payload(t, testNow.Add(24*time.Hour).Unix(), "LUNCH", "n1")
	if res := mustValidate(t, f.v, p); res.Code != CodeNoPermission {
		t.Fatalf("stale roster: got %s", res.Code)
	}
}

// ── Side effects ─────────────────────────────────────────────────────────────

func TestValidate_RecordsEveryOutcome(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	p := f.payload(t, 1_700_000_000, "LUNCH", "n1")
	mustValidate(t, f.v, p)
	mustValidate(t, f.v, p)

	if len(f.history.records) != 2 {
		t.Fatalf("history records: got %d want 2", len(f.history.records))
	}
	if !f.history.records[0].Valid || f.history.records[1].Code != "ALREADY_EATEN" || !f.history.records[1].Offline {
		t.Errorf("history: %+v", f.history.records)
	}
}

func TestValidate_HistoryFailureDoesNotChangeResult(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	f.history.err = errors.New("disk full")
	if res := mustValidate(t, f.v, f.payload(t, 1_700_000_000, "LUNCH", "n1")); !res.Valid {
		t.Fatalf("history failure must not affect validation: %+v", res)
	}
}

// failingLedger reports the slot free but rejects the commit as taken,
// emulating a concurrent writer on a shared ledger.
type failingLedger struct{ commitErr error }

func (l failingLedger) Redeemed(context.Context, string, string, int64) (bool, error) { return false, nil }
func (l failingLedger) Commit(context.Context, *voucher.Transaction) error           { return l.commitErr }

func TestValidate_CommitConflictIsAlreadyEaten(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	f.v.ledger = failingLedger{commitErr: voucher.ErrAlreadyRedeemed}
	if res := mustValidate(t, f.v, f.payload(t, 1_700_000_000, "LUNCH", "n1")); res.Code != CodeAlreadyEaten {
		t.Fatalf("got %s want ALREADY_EATEN", res.Code)
	}
}

func TestValidate_StorageErrorIsAnError(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	f.v.ledger = failingLedger{commitErr: errors.New("io error")}
	if _, err := f.v.Validate(context.Background(), f.payload(t, 1_700_000_000, "LUNCH", "n1")); err == nil {
		t.Fatal("storage failure must surface as an error")
	}
	if len(f.history.records) != 0 {
		t.Error("storage failures are not scan outcomes")
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestValidate_ConcurrentScansGrantOnce(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})

	const n = 8
	results := make(chan Result, n)
	var wg sync.WaitGroup
	for i := range n {
		p := f.payload(t, 1_700_000_000, "LUNCH", "n"+string(rune('a'+i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.v.Validate(context.Background(), p)
			if err != nil {
				t.Errorf("Validate: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for res := range results {
		if res.Valid {
			granted++
		} else if res.Code != CodeAlreadyEaten {
			t.Errorf("unexpected code %s", res.Code)
		}
	}
	if granted != 1 {
		t.Fatalf("granted %d meals, want exactly 1", granted)
	}
}

func TestValidate_GateBlocksCommit(t *testing.T) {
	f := newFixture(t, voucher.Permission{Lunch: true})
	gate := &sync.RWMutex{}
	f.v.cfg.Gate = gate

	p := f.payload(t, 1_700_000_000, "LUNCH", "n1")
	gate.Lock()
	done := make(chan Result, 1)
	go func() {
		res, _ := f.v.Validate(context.Background(), p)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("commit must wait while the gate is held exclusively")
	case <-time.After(50 * time.Millisecond):
	}
	gate.Unlock()

	select {
	case res := <-done:
		if !res.Valid {
			t.Errorf("after gate release: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("validation did not resume after gate release")
	}
}

// ── Code ─────────────────────────────────────────────────────────────────────

func TestCode_WireStringsRoundTrip(t *testing.T) {
	for c := CodeOK; c <= CodeAlreadyEaten; c++ {
		got, ok := ParseCode(c.String())
		if !ok || got != c {
			t.Errorf("ParseCode(%s): got %v %v", c, got, ok)
		}
		if c.Message() == "" {
			t.Errorf("%s has no message", c)
		}
	}
	if _, ok := ParseCode("NOPE"); ok {
		t.Error("unknown code must not parse")
	}
}
