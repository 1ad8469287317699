package offlinequeue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDrainOfflineOrderReplayedByPriority(t *testing.T) {
	ctx := context.Background()
	server := newRecordingServer(t)
	server.offline.Store(true)
	q, err := New(Config{Store: newTestStore(t)})
	require.NoError(t, err)

	for _, p := range []struct {
		path     string
		priority int
	}{{"/p2", 2}, {"/p1", 1}, {"/p3", 3}} {
		_, err := q.Enqueue(ctx, Request{TargetURL: server.srv.URL + p.path, Method: "POST", Priority: p.priority, Module: "pos"})
		require.NoError(t, err)
	}

	server.offline.Store(false)
	res, err := q.Drain(ctx, DrainOptions{BatchSize: 2, InterBatchDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 2, res.Batches)
	require.Equal(t, 3, res.Delivered)

	arrivals := server.Arrivals()
	require.Len(t, arrivals, 3)
	// Batch members race each other; batches do not.
	firstBatch := append([]string(nil), arrivals[:2]...)
	sort.Strings(firstBatch)
	require.Equal(t, []string{"/p1", "/p2"}, firstBatch)
	require.Equal(t, "/p3", arrivals[2])

	pending, err := q.Pending(ctx, "")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDrainRetryExhaustionOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	var abandoned []AbandonedEvent
	sender := SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
		return &Response{StatusCode: 503}, &StatusError{StatusCode: 503}
	})
	q, err := New(Config{
		Store:  store,
		Sender: sender,
		Sink:   SinkFunc(func(_ context.Context, ev AbandonedEvent) { abandoned = append(abandoned, ev) }),
	})
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, Request{TargetURL: "https://api/orders", Method: "POST", MaxRetries: 2})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := q.Drain(ctx, DrainOptions{BatchSize: 1})
		require.NoError(t, err)
		require.Equal(t, 1, res.Retried, "attempt %d", attempt)
		op, err := store.GetOperation(ctx, id)
		require.NoError(t, err)
		require.Equal(t, attempt, op.RetryCount)
	}

	res, err := q.Drain(ctx, DrainOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Abandoned)
	require.Equal(t, []string{id}, res.AbandonedIDs)

	_, err = store.GetOperation(ctx, id)
	require.ErrorIs(t, err, opstore.ErrNotFound)

	dead, err := q.Abandoned(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, id, dead[0].ID)
	require.Equal(t, dead[0].MaxRetries, dead[0].RetryCount)
	require.Contains(t, dead[0].LastError, "503")

	require.Len(t, abandoned, 1)
	require.Equal(t, id, abandoned[0].ID)

	res, err = q.Drain(ctx, DrainOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
}

func TestDrainSingleFlight(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	var mu sync.Mutex
	attempts := map[string]int{}
	sender := SenderFunc(func(ctx context.Context, op opstore.Operation) (*Response, error) {
		mu.Lock()
		attempts[op.ID]++
		mu.Unlock()
		started <- struct{}{}
		<-release
		return &Response{StatusCode: 200}, nil
	})
	q, err := New(Config{Store: newTestStore(t), Sender: sender})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST"})
		require.NoError(t, err)
	}

	firstDone := make(chan DrainResult, 1)
	go func() {
		res, _ := q.Drain(ctx, DrainOptions{BatchSize: 3})
		firstDone <- res
	}()
	<-started
	require.True(t, q.Draining())

	second, err := q.Drain(ctx, DrainOptions{BatchSize: 3})
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.Zero(t, second.Attempted)

	close(release)
	first := <-firstDone
	require.Equal(t, 3, first.Delivered)
	require.False(t, q.Draining())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)
	for id, n := range attempts {
		require.Equal(t, 1, n, id)
	}
}

func TestDrainBatchMembersDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	var inFlight, peak int32
	sender := SenderFunc(func(ctx context.Context, op opstore.Operation) (*Response, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &Response{StatusCode: 204}, nil
	})
	q, err := New(Config{Store: newTestStore(t), Sender: sender})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "DELETE"})
		require.NoError(t, err)
	}

	res, err := q.Drain(ctx, DrainOptions{BatchSize: 4})
	require.NoError(t, err)
	require.Equal(t, 4, res.Delivered)
	require.EqualValues(t, 4, atomic.LoadInt32(&peak))
}

func TestDrainInterBatchDelay(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var stamps []time.Time
	sender := SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return &Response{StatusCode: 200}, nil
	})
	q, err := New(Config{Store: newTestStore(t), Sender: sender})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST", Priority: i})
		require.NoError(t, err)
	}

	delay := 50 * time.Millisecond
	res, err := q.Drain(ctx, DrainOptions{BatchSize: 1, InterBatchDelay: delay})
	require.NoError(t, err)
	require.Equal(t, 3, res.Batches)
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), delay)
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
		cancel()
		return &Response{StatusCode: 200}, nil
	})
	q, err := New(Config{Store: newTestStore(t), Sender: sender})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(context.Background(), Request{TargetURL: "https://api/x", Method: "POST"})
		require.NoError(t, err)
	}

	res, err := q.Drain(ctx, DrainOptions{BatchSize: 1, InterBatchDelay: time.Second})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Attempted)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestDrainModuleFilter(t *testing.T) {
	ctx := context.Background()
	var sent []string
	var mu sync.Mutex
	sender := SenderFunc(func(_ context.Context, op opstore.Operation) (*Response, error) {
		mu.Lock()
		sent = append(sent, op.Module)
		mu.Unlock()
		return &Response{StatusCode: 200}, nil
	})
	q, err := New(Config{Store: newTestStore(t), Sender: sender})
	require.NoError(t, err)
	for _, m := range []string{"pos", "kds", "pos"} {
		_, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST", Module: m})
		require.NoError(t, err)
	}

	res, err := q.Drain(ctx, DrainOptions{Module: "kds"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, []string{"kds"}, sent)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
}

func TestDrainReplayIsIdempotentOnServer(t *testing.T) {
	ctx := context.Background()
	server := newRecordingServer(t)
	q, err := New(Config{Store: newTestStore(t)})
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, Request{TargetURL: server.srv.URL + "/orders", Method: "POST"})
	require.NoError(t, err)

	pending, err := q.Pending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	sender := NewHTTPSender(server.srv.Client())
	_, err = sender.Send(ctx, pending[0])
	require.NoError(t, err)
	_, err = sender.Send(ctx, pending[0])
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()
	// The server sees the same idempotency key twice; a deduplicating
	// server applies it once.
	require.Equal(t, 2, server.applied[id])
	require.Len(t, server.applied, 1)
}

func TestDrainAtLeastOnce(t *testing.T) {
	ctx := context.Background()
	var calls int32
	sender := SenderFunc(func(_ context.Context, op opstore.Operation) (*Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if op.Priority == 9 || n%2 == 0 {
			return nil, errors.New("connection refused")
		}
		return &Response{StatusCode: 200}, nil
	})
	store := newTestStore(t)
	q, err := New(Config{Store: store, Sender: sender, DefaultMaxRetries: 1})
	require.NoError(t, err)
	ids := map[string]bool{}
	for i := 0; i < 6; i++ {
		id, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST", Priority: i})
		require.NoError(t, err)
		ids[id] = true
	}
	poison, err := q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST", Priority: 9})
	require.NoError(t, err)

	delivered := 0
	for pass := 0; pass < 10; pass++ {
		res, err := q.Drain(ctx, DrainOptions{BatchSize: 3})
		require.NoError(t, err)
		delivered += res.Delivered
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)

	dead, err := q.Abandoned(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 7, delivered+len(dead))
	found := false
	for _, d := range dead {
		require.Equal(t, d.MaxRetries, d.RetryCount)
		if d.ID == poison {
			found = true
		}
	}
	require.True(t, found)
}

func TestDrainCacheRefreshOperation(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"items":["burger"]}`))
	}))
	defer srv.Close()

	clock := newFakeClock()
	q, err := New(Config{Store: newTestStore(t), Sender: NewHTTPSender(srv.Client()), Now: clock.Now})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Request{TargetURL: srv.URL + "/menu", Method: "GET", CacheKey: "menu:all", CacheTTL: time.Minute})
	require.NoError(t, err)

	res, err := q.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)

	data, ok, err := q.GetCached(ctx, "menu:all")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"items":["burger"]}`, string(data))
}

func TestSplitBatches(t *testing.T) {
	ops := make([]opstore.Operation, 5)
	batches := splitBatches(ops, 2)
	require.Len(t, batches, 3)
	require.Len(t, batches[2], 1)
}

func TestDrainCancelLeavesInFlightOperationPending(t *testing.T) {
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	require.NoError(t, store.InsertOperation(context.Background(), opstore.Operation{
		ID:         "op-last-try",
		TargetURL:  srv.URL + "/orders",
		Method:     "POST",
		EnqueuedAt: time.Now(),
		RetryCount: 1,
		MaxRetries: 1,
	}))
	var sunk atomic.Int32
	q, err := New(Config{Store: store, Sink: SinkFunc(func(context.Context, AbandonedEvent) { sunk.Add(1) })})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	res, err := q.Drain(ctx, DrainOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Delivered)
	require.Zero(t, res.Retried)
	require.Zero(t, res.Abandoned)
	require.Zero(t, sunk.Load())

	op, err := store.GetOperation(context.Background(), "op-last-try")
	require.NoError(t, err)
	require.Equal(t, 1, op.RetryCount)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Zero(t, stats.Abandoned)
}

func TestDrainSingleFlightAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	openShared := func() *opstore.Store {
		store, err := opstore.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var agentSends, cliSends atomic.Int32
	agent, err := New(Config{Store: openShared(), Sender: SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
		agentSends.Add(1)
		close(started)
		<-release
		return &Response{StatusCode: 201}, nil
	})})
	require.NoError(t, err)
	cli, err := New(Config{Store: openShared(), Sender: SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
		cliSends.Add(1)
		return &Response{StatusCode: 201}, nil
	})})
	require.NoError(t, err)

	_, err = agent.Enqueue(ctx, Request{TargetURL: "https://api/orders", Method: "POST"})
	require.NoError(t, err)

	done := make(chan DrainResult, 1)
	go func() {
		res, err := agent.Drain(ctx, DrainOptions{})
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()
	<-started

	res, err := cli.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Zero(t, cliSends.Load())

	close(release)
	first := <-done
	require.Equal(t, 1, first.Delivered)
	require.EqualValues(t, 1, agentSends.Load())

	res, err = cli.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	require.False(t, res.Skipped, "lease is released after a drain")
	require.Zero(t, res.Attempted)
}
