package ledger

import (
	"context"
	"fmt"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// Record appends a scan attempt to the history. ScannedAt defaults to now.
func (s *Store) Record(ctx context.Context, r voucher.ScanRecord) error {
	if r.ScannedAt == 0 {
		r.ScannedAt = s.now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_history (user_id, meal_type, valid, code, message, offline, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.MealType, boolInt(r.Valid), r.Code, r.Message, boolInt(r.Offline), r.ScannedAt)
	if err != nil {
		return fmt.Errorf("insert scan history: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit entries, newest first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]voucher.ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, meal_type, valid, code, message, offline, scanned_at
		FROM scan_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select scan history: %w", err)
	}
	defer rows.Close()

	var out []voucher.ScanRecord
	for rows.Next() {
		var (
			r              voucher.ScanRecord
			valid, offline int
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.MealType, &valid, &r.Code, &r.Message, &offline, &r.ScannedAt); err != nil {
			return nil, err
		}
		r.Valid = valid == 1
		r.Offline = offline == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
