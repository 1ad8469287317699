package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ordermesh/edgesync"
	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/pkg/offlinequeue"
	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/stretchr/testify/require"
)

func TestPickDuration(t *testing.T) {
	require.Equal(t, 2*time.Second, pickDuration(0, -time.Second, 2*time.Second, time.Minute))
	require.Zero(t, pickDuration())
	require.Zero(t, pickDuration(0, 0))
}

func TestResolveAgentOptions(t *testing.T) {
	prev := fileCfg
	t.Cleanup(func() { fileCfg = prev })

	fileCfg = &config.File{}
	fileCfg.Device.Type = "kds-screen"
	fileCfg.Drain.BatchSize = 4
	t.Setenv(edgesync.EnvServerURL, "http://central.local/")
	t.Setenv(edgesync.EnvDeviceID, "pos-7")
	t.Setenv(edgesync.EnvDrainBatch, "9")
	t.Setenv(edgesync.EnvDrainDelay, "250ms")
	t.Setenv(edgesync.EnvHealthURL, "")
	t.Setenv(edgesync.EnvMeshURL, "")
	t.Setenv(edgesync.EnvDeviceName, "")

	opts := agentOptions{deviceType: "gateway"}
	resolveAgentOptions(&opts)
	require.Equal(t, "http://central.local/", opts.serverURL)
	require.Equal(t, "http://central.local/healthz", opts.healthURL)
	require.Equal(t, "pos-7", opts.deviceID)
	require.Equal(t, "pos-7", opts.deviceName)
	require.Equal(t, "gateway", opts.deviceType, "flag wins over file")
	require.Equal(t, 4, opts.batch, "file wins over env")
	require.Equal(t, 250*time.Millisecond, opts.delay)
	require.Empty(t, opts.meshURL)
}

func seedQueue(t *testing.T, target string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.sqlite")
	store, err := opstore.Open(path)
	require.NoError(t, err)
	defer store.Close()
	q, err := offlinequeue.New(offlinequeue.Config{Store: store})
	require.NoError(t, err)
	for _, module := range []string{"pos", "kds"} {
		_, err := q.Enqueue(context.Background(), offlinequeue.Request{
			TargetURL: target + "/orders",
			Method:    "POST",
			Body:      []byte(`{"module":"` + module + `"}`),
			Module:    module,
		})
		require.NoError(t, err)
	}
	return path
}

func runQueueCmd(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	cmd := newQueueCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.Bytes()
}

func TestQueueCommands(t *testing.T) {
	var hits, keyed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get(offlinequeue.IdempotencyHeader) != "" {
			keyed.Add(1)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	prevPath, prevCfg := rootDBPath, fileCfg
	t.Cleanup(func() { rootDBPath, fileCfg = prevPath, prevCfg })
	rootDBPath = seedQueue(t, srv.URL)
	fileCfg = &config.File{}

	var ops []opstore.Operation
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "ls", "--module", "kds"), &ops))
	require.Len(t, ops, 1)
	require.Equal(t, "kds", ops[0].Module)

	var stats offlinequeue.Stats
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "stats"), &stats))
	require.Equal(t, 2, stats.Pending)

	var res offlinequeue.DrainResult
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "drain", "--batch", "1"), &res))
	require.Equal(t, 2, res.Delivered)
	require.Equal(t, 2, res.Batches)
	require.EqualValues(t, 2, hits.Load())
	require.EqualValues(t, 2, keyed.Load())

	require.NoError(t, json.Unmarshal(runQueueCmd(t, "stats"), &stats))
	require.Zero(t, stats.Pending)

	var abandoned []opstore.AbandonedOperation
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "abandoned"), &abandoned))
	require.Empty(t, abandoned)

	var purged map[string]int64
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "purge-cache"), &purged))
	require.Contains(t, purged, "purged")
}

func TestQueueDrainSkipsWhileAgentHoldsLease(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	prevPath, prevCfg := rootDBPath, fileCfg
	t.Cleanup(func() { rootDBPath, fileCfg = prevPath, prevCfg })
	rootDBPath = seedQueue(t, srv.URL)
	fileCfg = &config.File{}

	agent, err := opstore.Open(rootDBPath)
	require.NoError(t, err)
	defer agent.Close()
	held, err := agent.AcquireLease(context.Background(), offlinequeue.DrainLeaseName, "agent", time.Minute, time.Now())
	require.NoError(t, err)
	require.True(t, held)

	var res offlinequeue.DrainResult
	require.NoError(t, json.Unmarshal(runQueueCmd(t, "drain"), &res))
	require.True(t, res.Skipped)
	require.Zero(t, hits.Load())

	require.Nil(t, newQueueDrainCmd().Flags().Lookup("max-retries"))
}
