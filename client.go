// Package edgesync is the device-side runtime of the offline-first sync
// layer. A Client sends writes to the central server, falls back to the
// durable offline queue when the server is unreachable, and replicates the
// change to sibling devices over the local mesh.
package edgesync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ordermesh/edgesync/pkg/offlinequeue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoData is returned by Read when the server is unreachable and the cache
// holds no fresh entry.
var ErrNoData = errors.New("edgesync: no data available offline")

// Replicator forwards a command to sibling devices. *mesh.Client satisfies it.
type Replicator interface {
	Replicate(ctx context.Context, targets []string, command any) (int, error)
}

// ConnectivityReporter receives what live requests observed about the
// server. *offlinequeue.Runner satisfies it.
type ConnectivityReporter interface {
	ReportConnectivity(online bool)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	// ServerURL is prefixed to relative request paths.
	ServerURL  string
	Queue      *offlinequeue.Queue
	Mesh       Replicator
	Reporter   ConnectivityReporter
	HTTPClient *http.Client
	DeviceID   string
}

// Request is one write issued by the device.
type Request struct {
	Method   string
	Path     string
	Body     []byte
	Headers  map[string]string
	Priority int
	Module   string
	// MaxRetries <= 0 uses the queue default.
	MaxRetries int
	// ReplicateTo lists sibling device ids that should see the change
	// before the server does.
	ReplicateTo []string
	// CacheKey, when set, lets receivers store Body in their read cache
	// for CacheTTL.
	CacheKey string
	CacheTTL time.Duration
}

// Outcome reports what happened to a write.
type Outcome struct {
	Delivered  bool
	StatusCode int
	Body       []byte

	Queued       bool
	OperationID  string
	ReplicatedTo int
}

// ReplicatedWrite is the command sent to peers when a write is queued.
type ReplicatedWrite struct {
	OperationID string          `json:"operationId"`
	Origin      string          `json:"origin,omitempty"`
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	Body        json.RawMessage `json:"body,omitempty"`
	Module      string          `json:"module,omitempty"`
	CacheKey    string          `json:"cacheKey,omitempty"`
	CacheTTLMs  int64           `json:"cacheTtlMs,omitempty"`
}

// ReadResult is returned by Read.
type ReadResult struct {
	Data []byte
	// Cached is true when the server was unreachable and Data came from
	// the local cache.
	Cached bool
}

// Client is the write path every device module goes through.
type Client struct {
	serverURL string
	queue     *offlinequeue.Queue
	meshMu    sync.RWMutex
	mesh      Replicator
	reporter  ConnectivityReporter
	http      *http.Client
	deviceID  string
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Queue == nil {
		return nil, errors.New("edgesync: queue is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		serverURL: strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/"),
		queue:     cfg.Queue,
		mesh:      cfg.Mesh,
		reporter:  cfg.Reporter,
		http:      httpClient,
		deviceID:  cfg.DeviceID,
	}, nil
}

// SetMesh swaps the replicator, e.g. after the mesh client reconnects. A nil
// value disables replication.
func (c *Client) SetMesh(r Replicator) {
	c.meshMu.Lock()
	c.mesh = r
	c.meshMu.Unlock()
}

func (c *Client) replicator() Replicator {
	c.meshMu.RLock()
	defer c.meshMu.RUnlock()
	return c.mesh
}

// Do sends req to the server. A 2xx reply is Delivered. A transport error or
// 5xx reply queues the write, replicates it to req.ReplicateTo and returns
// Queued. A 4xx reply is returned as *offlinequeue.StatusError and nothing
// is queued. If queueing fails the error is returned and the write must be
// treated as lost.
func (c *Client) Do(ctx context.Context, req Request) (Outcome, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return Outcome{}, offlinequeue.ErrInvalidMethod
	}
	target := c.resolve(req.Path)
	headers := copyHeaders(req.Headers)
	if headers[offlinequeue.IdempotencyHeader] == "" {
		// The same key is used live and on replay so the server can drop
		// a write that landed before the connection failed.
		headers[offlinequeue.IdempotencyHeader] = uuid.NewString()
	}

	status, body, sendErr := c.send(ctx, method, target, req.Body, headers)
	switch {
	case sendErr == nil && status >= 200 && status < 300:
		c.report(true)
		return Outcome{Delivered: true, StatusCode: status, Body: body}, nil
	case sendErr == nil && status < 500:
		c.report(true)
		return Outcome{StatusCode: status, Body: body}, &offlinequeue.StatusError{StatusCode: status, Body: string(body)}
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if sendErr != nil {
		c.report(false)
	}

	id, err := c.queue.Enqueue(ctx, offlinequeue.Request{
		TargetURL:  target,
		Method:     method,
		Body:       req.Body,
		Headers:    headers,
		Priority:   req.Priority,
		Module:     req.Module,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Queued: true, OperationID: id, StatusCode: status}
	log.Info().
		Err(sendErr).
		Int("status", status).
		Str("op_id", id).
		Str("method", method).
		Str("url", target).
		Str("module", req.Module).
		Msg("server unavailable, write queued")

	out.ReplicatedTo = c.replicate(ctx, id, method, req)
	return out, nil
}

func (c *Client) replicate(ctx context.Context, id, method string, req Request) int {
	replicator := c.replicator()
	if replicator == nil || len(req.ReplicateTo) == 0 {
		return 0
	}
	cmd := ReplicatedWrite{
		OperationID: id,
		Origin:      c.deviceID,
		Method:      method,
		Path:        req.Path,
		Module:      req.Module,
		CacheKey:    req.CacheKey,
		CacheTTLMs:  req.CacheTTL.Milliseconds(),
	}
	if len(req.Body) > 0 {
		if json.Valid(req.Body) {
			cmd.Body = json.RawMessage(req.Body)
		} else {
			encoded, _ := json.Marshal(req.Body)
			cmd.Body = encoded
		}
	}
	n, err := replicator.Replicate(ctx, req.ReplicateTo, cmd)
	if err != nil {
		log.Warn().Err(err).Str("op_id", id).Strs("targets", req.ReplicateTo).Msg("mesh replication failed")
		return 0
	}
	if n < len(req.ReplicateTo) {
		log.Warn().Str("op_id", id).Int("delivered_to", n).Int("targets", len(req.ReplicateTo)).Msg("partial replication")
	}
	return n
}

// Read fetches path from the server and refreshes the cache under cacheKey.
// When the server cannot be reached it serves the cached copy while fresh
// and returns ErrNoData otherwise.
func (c *Client) Read(ctx context.Context, path, cacheKey string, ttl time.Duration) (ReadResult, error) {
	target := c.resolve(path)
	status, body, err := c.send(ctx, http.MethodGet, target, nil, nil)
	if err == nil && status >= 200 && status < 300 {
		c.report(true)
		if cacheKey != "" {
			if cerr := c.queue.Cache(ctx, cacheKey, body, ttl); cerr != nil {
				log.Warn().Err(cerr).Str("cache_key", cacheKey).Msg("cache write failed")
			}
		}
		return ReadResult{Data: body}, nil
	}
	if err == nil && status < 500 {
		c.report(true)
		return ReadResult{}, &offlinequeue.StatusError{StatusCode: status, Body: string(body)}
	}
	if err != nil {
		c.report(false)
	}
	if cacheKey == "" {
		return ReadResult{}, ErrNoData
	}
	data, ok, cerr := c.queue.GetCached(ctx, cacheKey)
	if cerr != nil {
		return ReadResult{}, cerr
	}
	if !ok {
		return ReadResult{}, ErrNoData
	}
	log.Debug().Str("cache_key", cacheKey).Str("url", target).Msg("served read from cache")
	return ReadResult{Data: data, Cached: true}, nil
}

// HandleReplicated applies a ReplicatedWrite received from a peer. It has
// the mesh.CommandHandler signature. Writes carrying a cache key update the
// local read cache so offline reads reflect the peer's change; the server
// copy stays the origin device's responsibility.
func (c *Client) HandleReplicated(ctx context.Context, from string, raw json.RawMessage) error {
	var cmd ReplicatedWrite
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errors.Wrap(err, "edgesync: decode replicated write")
	}
	log.Info().
		Str("from", from).
		Str("op_id", cmd.OperationID).
		Str("method", cmd.Method).
		Str("path", cmd.Path).
		Str("module", cmd.Module).
		Msg("replicated write received")
	if cmd.CacheKey == "" {
		return nil
	}
	if cmd.Method == http.MethodDelete {
		return c.queue.Cache(ctx, cmd.CacheKey, nil, 0)
	}
	return c.queue.Cache(ctx, cmd.CacheKey, cmd.Body, time.Duration(cmd.CacheTTLMs)*time.Millisecond)
}

func (c *Client) send(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "edgesync: build %s %s", method, target)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read response body")
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) resolve(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || c.serverURL == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.serverURL + path
}

func (c *Client) report(online bool) {
	if c.reporter != nil {
		c.reporter.ReportConnectivity(online)
	}
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
