package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"navsync/internal/model"
)

const selectWatchlist = `SELECT id, slug, name, items, version, updated_at FROM watchlists`

type scanner interface {
	Scan(dest ...any) error
}

func scanWatchlist(row scanner) (model.Watchlist, error) {
	var (
		wl      model.Watchlist
		items   string
		updated int64
	)
	if err := row.Scan(&wl.ID, &wl.Slug, &wl.Name, &items, &wl.Version, &updated); err != nil {
		return model.Watchlist{}, err
	}
	if err := json.Unmarshal([]byte(items), &wl.Items); err != nil {
		return model.Watchlist{}, fmt.Errorf("decode items of %s: %w", wl.ID, err)
	}
	wl.UpdatedAt = time.Unix(0, updated).UTC()
	wl.Normalize()
	return wl, nil
}

// List returns every watchlist ordered by id.
func (s *Store) List(ctx context.Context) ([]model.Watchlist, error) {
	rows, err := s.db.QueryContext(ctx, selectWatchlist+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []model.Watchlist
	for rows.Next() {
		wl, err := scanWatchlist(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		out = append(out, wl)
	}
	return out, rows.Err()
}

// Get returns the watchlist with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.Watchlist, error) {
	return s.getOne(ctx, selectWatchlist+` WHERE id = ?`, id)
}

// GetBySlug returns the first watchlist with the given slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (model.Watchlist, error) {
	return s.getOne(ctx, selectWatchlist+` WHERE slug = ? ORDER BY id LIMIT 1`, slug)
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (model.Watchlist, error) {
	wl, err := scanWatchlist(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Watchlist{}, model.ErrNotFound
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("sqlite get %s: %w", arg, err)
	}
	return wl, nil
}

// LatestSnapshot returns the newest snapshot for slug, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, slug string) (*model.NAVSnapshot, error) {
	var (
		snap model.NAVSnapshot
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT watchlist_id, slug, ts, average_return, instruments, source
		FROM nav_snapshots
		WHERE slug = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, slug).Scan(&snap.WatchlistID, &snap.Slug, &ts, &snap.AverageReturn, &snap.Instruments, &snap.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite latest snapshot %s: %w", slug, err)
	}
	snap.Timestamp = time.Unix(0, ts).UTC()
	return &snap, nil
}
