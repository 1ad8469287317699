package offlinequeue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTTLPrecision is returned by Cache for a positive ttl under one
// millisecond, the resolution entries are stored at.
var ErrTTLPrecision = errors.New("offlinequeue: cache ttl must be at least 1ms")

// Cache writes data under key, replacing any previous entry. A ttl <= 0 is
// stored but never served. TTLs are kept at millisecond resolution.
func (q *Queue) Cache(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("offlinequeue: cache key is empty")
	}
	if ttl > 0 && ttl < time.Millisecond {
		return ErrTTLPrecision
	}
	entry := opstore.CacheEntry{Key: key, Data: data, CachedAt: q.now(), TTL: ttl}
	if err := q.store.PutCache(ctx, entry); err != nil {
		return &StorageError{Op: "cache put", Err: err}
	}
	return nil
}

// GetCached returns the data stored under key while it is fresh. An absent or
// expired key yields ok=false with a nil error; expired entries are removed.
func (q *Queue) GetCached(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, found, err := q.store.GetCache(ctx, key)
	if err != nil {
		return nil, false, &StorageError{Op: "cache get", Err: err}
	}
	if !found {
		return nil, false, nil
	}
	if entry.Expired(q.now()) {
		if err := q.store.DeleteCache(ctx, key); err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("purge expired cache entry failed")
		}
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// CacheJSON marshals v and caches it.
func (q *Queue) CacheJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "offlinequeue: marshal cache value %s", key)
	}
	return q.Cache(ctx, key, data, ttl)
}

// GetCachedJSON decodes the cached value into out. ok is false on a miss.
func (q *Queue) GetCachedJSON(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := q.GetCached(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrapf(err, "offlinequeue: decode cache value %s", key)
	}
	return true, nil
}

// SweepCache purges every expired entry.
func (q *Queue) SweepCache(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeExpired(ctx, q.now())
	if err != nil {
		return 0, &StorageError{Op: "cache sweep", Err: err}
	}
	if n > 0 {
		log.Debug().Int64("removed", n).Msg("expired cache entries purged")
	}
	return n, nil
}
