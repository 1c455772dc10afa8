// Package ledger is the chef station's durable offline store: the
// append-only transaction log, the cached roster and the scan history.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/0gfoundation/mealvoucher/internal/ledger/migrations"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// ErrAlreadyRedeemed is returned by Append when the student already has a
// transaction for the same meal and day.
var ErrAlreadyRedeemed = voucher.ErrAlreadyRedeemed

// Store is a SQLite-backed offline ledger. SQLite allows a single writer,
// so the pool is pinned to one connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log *zap.Logger
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	log.Info("offline ledger opened", zap.String("path", path))
	return &Store{db: db, now: time.Now, log: log}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
