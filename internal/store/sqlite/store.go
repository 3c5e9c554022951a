// Package sqlite stores watchlist documents and NAV snapshots in a SQLite
// database running in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"navsync/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/navsync.db"
}

// Store implements model.WatchlistStore and model.SnapshotStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database and creates the schema.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	l := log.With().Str("component", "sqlite").Logger()
	l.Info().Str("path", cfg.DBPath).Msg("opened database")
	return &Store{db: db, now: time.Now, log: l}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS watchlists (
			id         TEXT    PRIMARY KEY,
			slug       TEXT    NOT NULL,
			name       TEXT    NOT NULL DEFAULT '',
			items      TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_watchlists_slug ON watchlists (slug);

		CREATE TABLE IF NOT EXISTS nav_snapshots (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			watchlist_id   TEXT    NOT NULL,
			slug           TEXT    NOT NULL,
			ts             INTEGER NOT NULL,
			average_return REAL    NOT NULL,
			instruments    INTEGER NOT NULL,
			source         TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_nav_snapshots_slug_ts ON nav_snapshots (slug, ts);
	`)
	return err
}

// Save writes wl if its Version matches the stored row (0 inserts).
func (s *Store) Save(ctx context.Context, wl model.Watchlist) (model.Watchlist, error) {
	items, err := json.Marshal(wl.Items)
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("sqlite encode %s: %w", wl.ID, err)
	}
	next := wl.Clone()
	next.Version = wl.Version + 1
	next.UpdatedAt = s.now().UTC()

	var res sql.Result
	if wl.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO watchlists (id, slug, name, items, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, wl.ID, wl.Slug, wl.Name, string(items), next.Version, next.UpdatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE watchlists SET slug = ?, name = ?, items = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`, wl.Slug, wl.Name, string(items), next.Version, next.UpdatedAt.UnixNano(), wl.ID, wl.Version)
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("sqlite save %s: %w", wl.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("sqlite save %s: %w", wl.ID, err)
	}
	if n == 0 {
		return model.Watchlist{}, model.ErrVersionConflict
	}
	return next, nil
}

// Delete removes a watchlist and its snapshots.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nav_snapshots WHERE watchlist_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite delete snapshots %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM watchlists WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite delete %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveSnapshot appends a NAV snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.NAVSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nav_snapshots (watchlist_id, slug, ts, average_return, instruments, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.WatchlistID, snap.Slug, snap.Timestamp.UnixNano(), snap.AverageReturn, snap.Instruments, snap.Source)
	if err != nil {
		return fmt.Errorf("sqlite save snapshot %s: %w", snap.Slug, err)
	}
	return nil
}

// PruneSnapshots deletes snapshots older than before and returns the count.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nav_snapshots WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("pruned nav snapshots")
	}
	return n, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
