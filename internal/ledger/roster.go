package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ReplaceRoster swaps the persisted key and permission cache in a single
// transaction, so a crash never leaves a half-cleared cache on disk.
func (s *Store) ReplaceRoster(ctx context.Context, date string, keys []voucher.StudentKey, perms []voucher.Permission) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	for _, stmt := range []string{`DELETE FROM student_keys`, `DELETE FROM permissions`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear roster: %w", err)
		}
	}
	for _, k := range keys {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO student_keys (user_id, public_key, name, surname, father_name, group_name)
			VALUES (?, ?, ?, ?, ?, ?)`,
			k.UserID, k.PublicKey, k.Name, k.Surname, k.FatherName, k.GroupName)
		if err != nil {
			return fmt.Errorf("insert student key %s: %w", k.UserID, err)
		}
	}
	for _, p := range perms {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO permissions (student_id, date, breakfast, lunch, dinner, snack, special)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.StudentID, date, boolInt(p.Breakfast), boolInt(p.Lunch), boolInt(p.Dinner),
			boolInt(p.Snack), boolInt(p.Special))
		if err != nil {
			return fmt.Errorf("insert permission %s: %w", p.StudentID, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO roster_meta (id, date, refreshed_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET date = excluded.date, refreshed_at = excluded.refreshed_at`,
		date, s.now().Unix())
	if err != nil {
		return fmt.Errorf("update roster meta: %w", err)
	}
	return tx.Commit()
}

// LoadRoster returns the persisted roster. date is empty when no roster
// has ever been downloaded.
func (s *Store) LoadRoster(ctx context.Context) (date string, keys []voucher.StudentKey, perms []voucher.Permission, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT date FROM roster_meta WHERE id = 1`).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil, nil
	}
	if err != nil {
		return "", nil, nil, fmt.Errorf("select roster meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, public_key, name, surname, father_name, group_name FROM student_keys ORDER BY user_id`)
	if err != nil {
		return "", nil, nil, fmt.Errorf("select student keys: %w", err)
	}
	for rows.Next() {
		var k voucher.StudentKey
		if err = rows.Scan(&k.UserID, &k.PublicKey, &k.Name, &k.Surname, &k.FatherName, &k.GroupName); err != nil {
			rows.Close()
			return "", nil, nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return "", nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT student_id, date, breakfast, lunch, dinner, snack, special FROM permissions WHERE date = ?`, date)
	if err != nil {
		return "", nil, nil, fmt.Errorf("select permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p                                  voucher.Permission
			breakfast, lunch, dinner, snack, sp int
		)
		if err = rows.Scan(&p.StudentID, &p.Date, &breakfast, &lunch, &dinner, &snack, &sp); err != nil {
			return "", nil, nil, err
		}
		p.Breakfast, p.Lunch, p.Dinner = breakfast == 1, lunch == 1, dinner == 1
		p.Snack, p.Special = snack == 1, sp == 1
		perms = append(perms, p)
	}
	return date, keys, perms, rows.Err()
}
