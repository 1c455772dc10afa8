package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

const txColumns = `id, student_id, student_name, group_name, meal_type, timestamp,
	nonce, signature, transaction_hash, day_start, synced`

// Append stores tx as unsynced and assigns tx.ID. A second transaction for
// the same (student, meal, day) slot fails with ErrAlreadyRedeemed.
func (s *Store) Append(ctx context.Context, tx *voucher.Transaction) (int64, error) {
	query := `INSERT INTO offline_transactions (student_id, student_name, group_name, meal_type,
			timestamp, nonce, signature, transaction_hash, day_start, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	res, err := s.db.ExecContext(ctx, query,
		tx.StudentID, tx.StudentName, tx.GroupName, tx.MealType,
		tx.Timestamp, tx.Nonce, tx.Signature, tx.Hash, tx.DayStart, s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyRedeemed
		}
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	tx.ID = id
	tx.Synced = false
	return id, nil
}

// Commit satisfies validator.Ledger.
func (s *Store) Commit(ctx context.Context, tx *voucher.Transaction) error {
	_, err := s.Append(ctx, tx)
	return err
}

// FindByStudentMealAndDay returns every transaction in the slot, synced or not.
func (s *Store) FindByStudentMealAndDay(ctx context.Context, studentID, mealType string, dayStart int64) ([]voucher.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM offline_transactions
		WHERE student_id = ? AND meal_type = ? AND day_start = ? ORDER BY id`
	return s.queryTransactions(ctx, query, studentID, mealType, dayStart)
}

// Redeemed satisfies validator.Ledger.
func (s *Store) Redeemed(ctx context.Context, studentID, mealType string, dayStart int64) (bool, error) {
	txs, err := s.FindByStudentMealAndDay(ctx, studentID, mealType, dayStart)
	if err != nil {
		return false, err
	}
	return len(txs) > 0, nil
}

// Unsynced returns pending transactions in insertion order.
func (s *Store) Unsynced(ctx context.Context) ([]voucher.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM offline_transactions WHERE synced = 0 ORDER BY id`
	return s.queryTransactions(ctx, query)
}

// MarkSynced flags ids as acknowledged by the server. Already-synced and
// unknown ids are ignored.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `UPDATE offline_transactions SET synced = 1 WHERE synced = 0 AND id IN (` + placeholders + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Debug("transactions marked synced", zap.Int("requested", len(ids)), zap.Int64("updated", n))
	return nil
}

// UnsyncedCount is a cheap pending-count for status displays.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_transactions WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]voucher.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var out []voucher.Transaction
	for rows.Next() {
		var (
			tx     voucher.Transaction
			synced int
		)
		if err := rows.Scan(&tx.ID, &tx.StudentID, &tx.StudentName, &tx.GroupName, &tx.MealType,
			&tx.Timestamp, &tx.Nonce, &tx.Signature, &tx.Hash, &tx.DayStart, &synced); err != nil {
			return nil, err
		}
		tx.Synced = synced == 1
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
