package opstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestListPendingOrdersByPriorityThenTime(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	ops := []Operation{
		{ID: "late-p1", Priority: 1, EnqueuedAt: base.Add(2 * time.Second)},
		{ID: "p2", Priority: 2, EnqueuedAt: base},
		{ID: "early-p1", Priority: 1, EnqueuedAt: base},
		{ID: "same-ms-p1", Priority: 1, EnqueuedAt: base},
		{ID: "p0", Priority: 0, EnqueuedAt: base.Add(time.Hour)},
	}
	for _, op := range ops {
		op.TargetURL = "https://api.example.com/orders"
		op.Method = "POST"
		op.MaxRetries = 5
		require.NoError(t, store.InsertOperation(ctx, op))
	}

	pending, err := store.ListPending(ctx, "")
	require.NoError(t, err)
	got := make([]string, 0, len(pending))
	for _, op := range pending {
		got = append(got, op.ID)
	}
	require.Equal(t, []string{"p0", "early-p1", "same-ms-p1", "late-p1", "p2"}, got)
}

func TestOperationRoundTripAndModuleFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_123)

	pos := Operation{
		ID:         "op-pos",
		TargetURL:  "https://api.example.com/orders/1",
		Method:     "PATCH",
		Body:       []byte(`{"status":"paid"}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
		EnqueuedAt: now,
		MaxRetries: 3,
		Module:     "pos",
	}
	kds := Operation{ID: "op-kds", TargetURL: "https://api.example.com/tickets", Method: "POST", EnqueuedAt: now, MaxRetries: 3, Module: "kds"}
	require.NoError(t, store.InsertOperation(ctx, pos))
	require.NoError(t, store.InsertOperation(ctx, kds))

	got, err := store.GetOperation(ctx, "op-pos")
	require.NoError(t, err)
	require.Equal(t, pos, got)

	onlyPOS, err := store.ListPending(ctx, "pos")
	require.NoError(t, err)
	require.Len(t, onlyPOS, 1)
	require.Equal(t, "op-pos", onlyPOS[0].ID)

	_, err = store.GetOperation(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateOperationIDRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op := Operation{ID: "dup", TargetURL: "https://x", Method: "POST", EnqueuedAt: time.Now(), MaxRetries: 1}
	require.NoError(t, store.InsertOperation(ctx, op))
	require.Error(t, store.InsertOperation(ctx, op))
}

func TestAbandonMovesOperation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op := Operation{ID: "op-1", TargetURL: "https://x", Method: "DELETE", EnqueuedAt: time.Now(), MaxRetries: 2}
	require.NoError(t, store.InsertOperation(ctx, op))
	require.NoError(t, store.UpdateRetryCount(ctx, "op-1", 2))

	op.RetryCount = 2
	require.NoError(t, store.AbandonOperation(ctx, op, time.Now(), "status 503"))

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	abandoned, err := store.ListAbandoned(ctx, 0)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	require.Equal(t, "op-1", abandoned[0].ID)
	require.Equal(t, 2, abandoned[0].RetryCount)
	require.Equal(t, "status 503", abandoned[0].LastError)

	n, err := store.CountAbandoned(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCacheReplaceAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, store.PutCache(ctx, CacheEntry{Key: "menu:1", Data: []byte("v1"), CachedAt: now, TTL: time.Minute}))
	require.NoError(t, store.PutCache(ctx, CacheEntry{Key: "menu:1", Data: []byte("v2"), CachedAt: now, TTL: time.Minute}))
	require.NoError(t, store.PutCache(ctx, CacheEntry{Key: "table:9", Data: []byte("t"), CachedAt: now, TTL: time.Second}))

	entry, ok, err := store.GetCache(ctx, "menu:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), entry.Data)
	require.False(t, entry.Expired(now.Add(time.Minute)))
	require.True(t, entry.Expired(now.Add(time.Minute+time.Millisecond)))

	removed, err := store.PurgeExpired(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, ok, err = store.GetCache(ctx, "table:9")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheEntryZeroTTLAlwaysExpired(t *testing.T) {
	now := time.Now()
	require.True(t, CacheEntry{CachedAt: now, TTL: 0}.Expired(now))
}

func TestFormatSQLForLog(t *testing.T) {
	got := FormatSQLForLog("UPDATE t\n\tSET a = ?, b = ? WHERE id = ?", "it's", []byte("secret"), 7)
	require.Equal(t, "UPDATE t SET a = 'it''s', b = <blob 6 bytes> WHERE id = 7", got)
	require.Equal(t, "SELECT 1 /* extra args: 2 */", FormatSQLForLog("SELECT 1", 2))
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked message", errString("database is locked (5)"), true},
		{"busy code", errString("SQLITE_BUSY: busy"), true},
		{"other", errString("some other error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
