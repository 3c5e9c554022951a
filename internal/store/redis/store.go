// Package redis stores watchlist documents and NAV snapshots in Redis and
// mirrors NAV events onto Pub/Sub for out-of-process consumers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"navsync/internal/model"
)

const (
	keyPrefix = "navsync:"
	idsKey    = keyPrefix + "watchlists"

	// DefaultSnapshotCap is how many snapshots are kept per slug.
	DefaultSnapshotCap = 2000
)

func watchlistKey(id string) string { return keyPrefix + "watchlist:" + id }
func slugKey(slug string) string    { return keyPrefix + "slug:" + slug }
func snapshotKey(slug string) string {
	return keyPrefix + "snapshots:" + slug
}

// Config configures the Redis store.
type Config struct {
	Addr        string // e.g. "localhost:6379"
	Password    string
	DB          int
	SnapshotCap int
}

// Store implements model.WatchlistStore and model.SnapshotStore.
type Store struct {
	client  *goredis.Client
	snapCap int64
	now     func() time.Time
	log     zerolog.Logger
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New connects and pings the server.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.SnapshotCap <= 0 {
		cfg.SnapshotCap = DefaultSnapshotCap
	}
	l := log.With().Str("component", "redis").Logger()
	l.Info().Str("addr", cfg.Addr).Msg("connected")
	return &Store{client: client, snapCap: int64(cfg.SnapshotCap), now: time.Now, log: l}, nil
}

// List returns every watchlist ordered by id.
func (s *Store) List(ctx context.Context) ([]model.Watchlist, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	sort.Strings(ids)

	out := make([]model.Watchlist, 0, len(ids))
	for _, id := range ids {
		wl, err := s.Get(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, wl)
	}
	return out, nil
}

// Get returns the watchlist with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.Watchlist, error) {
	raw, err := s.client.Get(ctx, watchlistKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Watchlist{}, model.ErrNotFound
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decode(raw)
}

// GetBySlug resolves slug through the slug index.
func (s *Store) GetBySlug(ctx context.Context, slug string) (model.Watchlist, error) {
	id, err := s.client.Get(ctx, slugKey(slug)).Result()
	if errors.Is(err, goredis.Nil) {
		return model.Watchlist{}, model.ErrNotFound
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("redis get slug %s: %w", slug, err)
	}
	return s.Get(ctx, id)
}

// Save writes wl inside WATCH/MULTI so a concurrent writer bumping the
// version makes this call fail with model.ErrVersionConflict.
func (s *Store) Save(ctx context.Context, wl model.Watchlist) (model.Watchlist, error) {
	key := watchlistKey(wl.ID)
	next := wl.Clone()
	next.Version = wl.Version + 1
	next.UpdatedAt = s.now().UTC()

	raw, err := msgpack.Marshal(&next)
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("redis encode %s: %w", wl.ID, err)
	}

	txf := func(tx *goredis.Tx) error {
		oldSlug := ""
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			if wl.Version != 0 {
				return model.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			stored, err := decode(cur)
			if err != nil {
				return err
			}
			if stored.Version != wl.Version {
				return model.ErrVersionConflict
			}
			oldSlug = stored.Slug
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			if oldSlug != "" && oldSlug != wl.Slug {
				p.Del(ctx, slugKey(oldSlug))
			}
			p.Set(ctx, key, raw, 0)
			p.Set(ctx, slugKey(wl.Slug), wl.ID, 0)
			p.SAdd(ctx, idsKey, wl.ID)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return model.Watchlist{}, model.ErrVersionConflict
	}
	if errors.Is(err, model.ErrVersionConflict) {
		return model.Watchlist{}, err
	}
	if err != nil {
		return model.Watchlist{}, fmt.Errorf("redis save %s: %w", wl.ID, err)
	}
	return next, nil
}

// Delete removes a watchlist, its slug index entry and its snapshots.
func (s *Store) Delete(ctx context.Context, id string) error {
	wl, err := s.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, watchlistKey(id), slugKey(wl.Slug), snapshotKey(wl.Slug))
		p.SRem(ctx, idsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// SaveSnapshot pushes snap onto the slug's capped list, newest first.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.NAVSnapshot) error {
	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("redis encode snapshot: %w", err)
	}
	key := snapshotKey(snap.Slug)
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, s.snapCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save snapshot %s: %w", snap.Slug, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for slug, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, slug string) (*model.NAVSnapshot, error) {
	raw, err := s.client.LIndex(ctx, snapshotKey(slug), 0).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis latest snapshot %s: %w", slug, err)
	}
	var snap model.NAVSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("redis decode snapshot %s: %w", slug, err)
	}
	return &snap, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(raw []byte) (model.Watchlist, error) {
	var wl model.Watchlist
	if err := msgpack.Unmarshal(raw, &wl); err != nil {
		return model.Watchlist{}, fmt.Errorf("redis decode watchlist: %w", err)
	}
	wl.Normalize()
	return wl, nil
}
