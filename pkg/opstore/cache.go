package opstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// CacheEntry is a read-model snapshot kept for offline reads.
type CacheEntry struct {
	Key      string
	Data     []byte
	CachedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry must no longer be served at now.
// A non-positive TTL never serves.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.CachedAt) > e.TTL
}

// PutCache replaces the entry stored under entry.Key.
func (s *Store) PutCache(ctx context.Context, entry CacheEntry) error {
	expiresAt := toMillis(entry.CachedAt) + entry.TTL.Milliseconds()
	stmt := fmt.Sprintf(`INSERT INTO %s (key, data, cached_at, ttl_ms, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data=excluded.data, cached_at=excluded.cached_at,
		ttl_ms=excluded.ttl_ms, expires_at=excluded.expires_at`, quoteIdent(cacheTable))
	err := s.exec(ctx, stmt, entry.Key, entry.Data, toMillis(entry.CachedAt), entry.TTL.Milliseconds(), expiresAt)
	return pkgerrors.Wrapf(err, "opstore: put cache %s failed", entry.Key)
}

// GetCache loads the raw entry regardless of expiry. ok is false when absent.
func (s *Store) GetCache(ctx context.Context, key string) (entry CacheEntry, ok bool, err error) {
	if s == nil || s.db == nil {
		return CacheEntry{}, false, pkgerrors.New("opstore: store is nil")
	}
	var (
		data     []byte
		cachedAt int64
		ttl      int64
	)
	query := fmt.Sprintf(`SELECT data, cached_at, ttl_ms FROM %s WHERE key = ?`, quoteIdent(cacheTable))
	err = s.db.QueryRowContext(ctx, query, key).Scan(&data, &cachedAt, &ttl)
	if pkgerrors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, pkgerrors.Wrapf(err, "opstore: get cache %s failed", key)
	}
	return CacheEntry{
		Key:      key,
		Data:     data,
		CachedAt: fromMillis(cachedAt),
		TTL:      time.Duration(ttl) * time.Millisecond,
	}, true, nil
}

// DeleteCache removes the entry for key if present.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(cacheTable))
	return pkgerrors.Wrapf(s.exec(ctx, stmt, key), "opstore: delete cache %s failed", key)
}

// PurgeExpired deletes every entry that expired before now and returns the
// number of removed rows.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, pkgerrors.New("opstore: store is nil")
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE ttl_ms <= 0 OR expires_at < ?`, quoteIdent(cacheTable))
	res, err := s.db.ExecContext(ctx, stmt, toMillis(now))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "opstore: purge expired cache failed")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
