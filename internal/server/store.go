// Package server is the reference meal server: Redis-backed roster and
// redemption state behind the chef and admin HTTP routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// FraudReport is filed when an offline redemption arrives for a slot that
// another transaction already holds.
type FraudReport struct {
	TransactionHash string `json:"transactionHash"`
	ExistingHash    string `json:"existingHash"`
	StudentID       string `json:"studentId"`
	MealType        string `json:"mealType"`
	Timestamp       string `json:"timestamp"`
	Device          string `json:"device,omitempty"`
	DetectedAt      int64  `json:"detectedAt"`
}

// Store keeps all server state in Redis. It serves the validator as both
// Roster and Ledger, and the auth middleware as DeviceRegistry.
type Store struct {
	rdb *redis.Client
	loc *time.Location
	now func() time.Time
}

func NewStore(rdb *redis.Client, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{rdb: rdb, loc: loc, now: time.Now}
}

// Location is the zone whose midnight starts a meal day.
func (s *Store) Location() *time.Location { return s.loc }

// ── Students ─────────────────────────────────────────────────────────────────

func studentKey(id string) string { return fmt.Sprintf(voucher.StudentKeyFmt, id) }

// PutStudent registers or replaces a student's key.
func (s *Store) PutStudent(ctx context.Context, k voucher.StudentKey) error {
	if _, err := voucher.ParsePublicKey(k.PublicKey); err != nil {
		return err
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, studentKey(k.UserID),
			"user_id", k.UserID,
			"public_key", k.PublicKey,
			"name", k.Name,
			"surname", k.Surname,
			"father_name", k.FatherName,
			"group_name", k.GroupName,
		)
		p.SAdd(ctx, voucher.StudentIndexKey, k.UserID)
		return nil
	})
	return err
}

func (s *Store) StudentKey(ctx context.Context, userID string) (voucher.StudentKey, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, studentKey(userID)).Result()
	if err != nil {
		return voucher.StudentKey{}, false, err
	}
	if len(vals) == 0 {
		return voucher.StudentKey{}, false, nil
	}
	return studentFromMap(vals), true, nil
}

// Students returns every registered key.
func (s *Store) Students(ctx context.Context) ([]voucher.StudentKey, error) {
	ids, err := s.rdb.SMembers(ctx, voucher.StudentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, studentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	keys := make([]voucher.StudentKey, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			keys = append(keys, studentFromMap(vals))
		}
	}
	return keys, nil
}

func studentFromMap(m map[string]string) voucher.StudentKey {
	return voucher.StudentKey{
		UserID:     m["user_id"],
		PublicKey:  m["public_key"],
		Name:       m["name"],
		Surname:    m["surname"],
		FatherName: m["father_name"],
		GroupName:  m["group_name"],
	}
}

// ── Permissions ──────────────────────────────────────────────────────────────

func permissionKey(date, id string) string { return fmt.Sprintf(voucher.PermissionKeyFmt, date, id) }

// PutPermissions stores the flags for date, replacing each listed student's
// previous flags.
func (s *Store) PutPermissions(ctx context.Context, date string, perms []voucher.Permission) error {
	if _, err := time.Parse(voucher.DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, perm := range perms {
			p.HSet(ctx, permissionKey(date, perm.StudentID),
				"student_id", perm.StudentID,
				"breakfast", perm.Breakfast,
				"lunch", perm.Lunch,
				"dinner", perm.Dinner,
				"snack", perm.Snack,
				"special", perm.Special,
			)
			p.SAdd(ctx, fmt.Sprintf(voucher.PermissionIdxFmt, date), perm.StudentID)
		}
		return nil
	})
	return err
}

func (s *Store) Permission(ctx context.Context, studentID, date string) (voucher.Permission, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, permissionKey(date, studentID)).Result()
	if err != nil {
		return voucher.Permission{}, false, err
	}
	if len(vals) == 0 {
		return voucher.Permission{}, false, nil
	}
	p := permissionFromMap(vals)
	p.Date = date
	return p, true, nil
}

// Permissions returns every student's flags for date.
func (s *Store) Permissions(ctx context.Context, date string) ([]voucher.Permission, error) {
	ids, err := s.rdb.SMembers(ctx, fmt.Sprintf(voucher.PermissionIdxFmt, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, permissionKey(date, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	perms := make([]voucher.Permission, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			p := permissionFromMap(vals)
			p.Date = date
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func permissionFromMap(m map[string]string) voucher.Permission {
	flag := func(k string) bool { return m[k] == "1" || m[k] == "true" }
	return voucher.Permission{
		StudentID: m["student_id"],
		Breakfast: flag("breakfast"),
		Lunch:     flag("lunch"),
		Dinner:    flag("dinner"),
		Snack:     flag("snack"),
		Special:   flag("special"),
	}
}

// ── Devices ──────────────────────────────────────────────────────────────────

// AddDevice registers a chef device address.
func (s *Store) AddDevice(ctx context.Context, addr string) error {
	return s.rdb.SAdd(ctx, voucher.DeviceIndexKey, strings.ToLower(addr)).Err()
}

func (s *Store) IsDevice(ctx context.Context, addr string) (bool, error) {
	return s.rdb.SIsMember(ctx, voucher.DeviceIndexKey, strings.ToLower(addr)).Result()
}

// ── Redemptions ──────────────────────────────────────────────────────────────

func redeemedKey(studentID, meal string, dayStart int64) string {
	return fmt.Sprintf(voucher.RedeemedKeyFmt, studentID, meal, dayStart)
}

func (s *Store) Redeemed(ctx context.Context, studentID, mealType string, dayStart int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, redeemedKey(studentID, mealType, dayStart)).Result()
	return n > 0, err
}

// releaseSlot deletes a slot only while it still holds the given hash.
var releaseSlot = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Commit claims the slot with SET NX, so of two concurrent claims exactly
// one wins; the loser gets voucher.ErrAlreadyRedeemed.
func (s *Store) Commit(ctx context.Context, tx *voucher.Transaction) error {
	ok, err := s.claim(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		return voucher.ErrAlreadyRedeemed
	}
	return nil
}

// claim takes the slot for tx and records it. A slot whose record could
// not be written is released again, so a retry is not told the meal was
// already eaten.
func (s *Store) claim(ctx context.Context, tx *voucher.Transaction) (bool, error) {
	slot := redeemedKey(tx.StudentID, tx.MealType, tx.DayStart)
	ok, err := s.rdb.SetNX(ctx, slot, tx.Hash, 0).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := s.record(ctx, tx); err != nil {
		if relErr := releaseSlot.Run(ctx, s.rdb, []string{slot}, tx.Hash).Err(); relErr != nil {
			return false, fmt.Errorf("record transaction: %w (slot release: %v)", err, relErr)
		}
		return false, fmt.Errorf("record transaction: %w", err)
	}
	return true, nil
}

// record stores the transaction body, appends it to the day log and bumps
// the day's per-meal counter.
func (s *Store) record(ctx context.Context, tx *voucher.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	date := time.Unix(tx.DayStart, 0).In(s.loc).Format(voucher.DateLayout)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, fmt.Sprintf(voucher.StatsKeyFmt, date), tx.MealType, 1)
		p.Set(ctx, fmt.Sprintf(voucher.TransactionFmt, tx.Hash), raw, 0)
		p.RPush(ctx, fmt.Sprintf(voucher.DayLogKeyFmt, date), tx.Hash)
		return nil
	})
	return err
}

// Transaction loads a stored transaction by hash.
func (s *Store) Transaction(ctx context.Context, hash string) (*voucher.Transaction, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(voucher.TransactionFmt, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tx voucher.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ── Batch upload ─────────────────────────────────────────────────────────────

// ApplyBatchItem records one offline redemption.
//
//   - accepted:  slot was free and is now held by this hash
//   - duplicate: slot already held by this same hash (resubmission)
//   - conflict:  slot held by a different hash; a fraud report is filed
//   - rejected:  malformed item or unknown student
func (s *Store) ApplyBatchItem(ctx context.Context, it api.BatchItem, device string) (string, error) {
	ts, err := time.Parse(time.RFC3339, it.Timestamp)
	meal, known := voucher.ParseMealType(it.MealType)
	if err != nil || !known || it.TransactionHash == "" {
		return api.ItemRejected, nil
	}
	key, found, err := s.StudentKey(ctx, it.StudentID)
	if err != nil {
		return "", err
	}
	if !found {
		return api.ItemRejected, nil
	}

	// Offline redemptions are dated by the voucher's own time.
	dayStart := voucher.DayStart(ts, s.loc).Unix()
	tx := &voucher.Transaction{
		StudentID:   it.StudentID,
		StudentName: key.DisplayName(),
		GroupName:   key.GroupName,
		MealType:    meal.String(),
		Timestamp:   ts.Unix(),
		Hash:        it.TransactionHash,
		DayStart:    dayStart,
		Synced:      true,
	}
	ok, err := s.claim(ctx, tx)
	if err != nil {
		return "", err
	}
	if ok {
		return api.ItemAccepted, nil
	}

	slot := redeemedKey(it.StudentID, meal.String(), dayStart)
	holder, err := s.rdb.Get(ctx, slot).Result()
	if err != nil {
		return "", err
	}
	if holder == it.TransactionHash {
		return api.ItemDuplicate, nil
	}

	// A station keeps resubmitting an unacknowledged conflict; file it once.
	added, err := s.rdb.SAdd(ctx, voucher.FraudReportedKey, it.TransactionHash).Result()
	if err != nil {
		return "", err
	}
	if added == 0 {
		return api.ItemConflict, nil
	}

	report := FraudReport{
		TransactionHash: it.TransactionHash,
		ExistingHash:    holder,
		StudentID:       it.StudentID,
		MealType:        meal.String(),
		Timestamp:       it.Timestamp,
		Device:          device,
		DetectedAt:      s.now().Unix(),
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	date := time.Unix(dayStart, 0).In(s.loc).Format(voucher.DateLayout)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, voucher.FraudReportsKey, raw)
		p.HIncrBy(ctx, fmt.Sprintf(voucher.StatsKeyFmt, date), "conflicts", 1)
		return nil
	})
	if err != nil {
		s.rdb.SRem(ctx, voucher.FraudReportedKey, it.TransactionHash) //nolint:errcheck
		return "", err
	}
	return api.ItemConflict, nil
}

// ── Reports ──────────────────────────────────────────────────────────────────

// FraudReports returns up to limit reports, newest first.
func (s *Store) FraudReports(ctx context.Context, limit int64) ([]FraudReport, error) {
	raws, err := s.rdb.LRange(ctx, voucher.FraudReportsKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]FraudReport, 0, len(raws))
	for _, raw := range raws {
		var r FraudReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Stats returns the redemption counters for date, keyed by meal type, plus
// "conflicts".
func (s *Store) Stats(ctx context.Context, date string) (map[string]int64, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(voucher.StatsKeyFmt, date)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(vals))
	for k, v := range vals {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}
