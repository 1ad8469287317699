// Package offlinequeue keeps write operations that could not reach the
// central server in a durable local queue and replays them in controlled
// batches once connectivity returns. It also serves a TTL read cache so
// reads degrade gracefully while offline.
package offlinequeue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxRetries bounds redelivery when a request does not set its own.
	DefaultMaxRetries = 5
	// DefaultLeaseTTL is how long a drain lease stays valid without renewal.
	DefaultLeaseTTL = 2 * time.Minute

	// DrainLeaseName is the store lease that serializes drains across processes.
	DrainLeaseName = "drain"
)

type (
	// QueuedOperation is a pending write awaiting delivery.
	QueuedOperation = opstore.Operation
	// AbandonedOperation is an operation that exhausted its retry budget.
	AbandonedOperation = opstore.AbandonedOperation
)

var (
	// ErrInvalidMethod is returned by Enqueue for non-mutating verbs.
	ErrInvalidMethod = errors.New("offlinequeue: method must be POST, PUT, PATCH or DELETE")
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("offlinequeue: storage unavailable")
)

// StorageError reports that the queue could not persist or read its state.
// The operation that triggered it must be treated as not queued.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("offlinequeue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) hold for any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Store is the persistence contract the queue needs. *opstore.Store
// satisfies it.
type Store interface {
	InsertOperation(ctx context.Context, op opstore.Operation) error
	ListPending(ctx context.Context, module string) ([]opstore.Operation, error)
	DeleteOperation(ctx context.Context, id string) error
	UpdateRetryCount(ctx context.Context, id string, retryCount int) error
	AbandonOperation(ctx context.Context, op opstore.Operation, at time.Time, reason string) error
	ListAbandoned(ctx context.Context, limit int) ([]opstore.AbandonedOperation, error)
	CountPending(ctx context.Context) (int, error)
	CountAbandoned(ctx context.Context) (int, error)
	PutCache(ctx context.Context, entry opstore.CacheEntry) error
	GetCache(ctx context.Context, key string) (opstore.CacheEntry, bool, error)
	DeleteCache(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Config wires a Queue.
type Config struct {
	Store  Store
	Sender Sender
	// Sink receives abandoned operations in addition to the built-in log sink.
	Sink              AbandonedSink
	DefaultMaxRetries int
	// LeaseTTL bounds how long a crashed drainer keeps other processes
	// sharing the database from draining. Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
	// Now is overridable for tests.
	Now func() time.Time
}

// Request describes a write to queue.
type Request struct {
	TargetURL string
	Method    string
	Body      []byte
	Headers   map[string]string
	Priority  int
	Module    string
	// MaxRetries <= 0 uses the queue default.
	MaxRetries int

	// CacheKey turns a GET into a cache-refresh operation; ignored for writes.
	CacheKey string
	CacheTTL time.Duration
}

// Queue is the per-device durable operation queue.
type Queue struct {
	store      Store
	sender     Sender
	sink       AbandonedSink
	maxRetries int
	now        func() time.Time
	holder     string
	leaseTTL   time.Duration

	draining atomic.Bool
}

// New builds a Queue. Store is required; Sender defaults to an HTTPSender.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("offlinequeue: store cannot be nil")
	}
	q := &Queue{
		store:      cfg.Store,
		sender:     cfg.Sender,
		maxRetries: cfg.DefaultMaxRetries,
		now:        cfg.Now,
		holder:     uuid.NewString(),
		leaseTTL:   cfg.LeaseTTL,
	}
	if q.leaseTTL <= 0 {
		q.leaseTTL = DefaultLeaseTTL
	}
	if q.sender == nil {
		q.sender = NewHTTPSender(nil)
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.sink = LogSink{}
	if cfg.Sink != nil {
		q.sink = MultiSink{LogSink{}, cfg.Sink}
	}
	return q, nil
}

// Enqueue validates req, assigns it a fresh id and durably persists it
// before returning. A storage failure is returned as *StorageError and the
// operation must not be considered queued.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	case http.MethodGet:
		if strings.TrimSpace(req.CacheKey) == "" {
			return "", ErrInvalidMethod
		}
	default:
		return "", ErrInvalidMethod
	}
	target := strings.TrimSpace(req.TargetURL)
	if target == "" {
		return "", errors.New("offlinequeue: target url is required")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	op := opstore.Operation{
		ID:         uuid.NewString(),
		TargetURL:  target,
		Method:     method,
		Body:       req.Body,
		Headers:    copyHeaders(req.Headers),
		EnqueuedAt: q.now(),
		MaxRetries: maxRetries,
		Priority:   req.Priority,
		Module:     strings.TrimSpace(req.Module),
	}
	if method == http.MethodGet {
		op.CacheKey = strings.TrimSpace(req.CacheKey)
		op.CacheTTL = req.CacheTTL
	}
	if err := q.store.InsertOperation(ctx, op); err != nil {
		return "", &StorageError{Op: "enqueue", Err: err}
	}
	log.Debug().
		Str("op_id", op.ID).
		Str("method", op.Method).
		Str("url", op.TargetURL).
		Str("module", op.Module).
		Int("priority", op.Priority).
		Msg("operation queued")
	return op.ID, nil
}

// Pending lists queued operations in delivery order.
func (q *Queue) Pending(ctx context.Context, module string) ([]QueuedOperation, error) {
	ops, err := q.store.ListPending(ctx, module)
	if err != nil {
		return nil, &StorageError{Op: "list pending", Err: err}
	}
	return ops, nil
}

// Abandoned lists operations that exhausted their retries, newest first.
func (q *Queue) Abandoned(ctx context.Context, limit int) ([]AbandonedOperation, error) {
	ops, err := q.store.ListAbandoned(ctx, limit)
	if err != nil {
		return nil, &StorageError{Op: "list abandoned", Err: err}
	}
	return ops, nil
}

// Stats summarizes queue state.
type Stats struct {
	Pending   int  `json:"pending"`
	Abandoned int  `json:"abandoned"`
	Draining  bool `json:"draining"`
}

// Stats returns counters for inspection.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.store.CountPending(ctx)
	if err != nil {
		return Stats{}, &StorageError{Op: "count pending", Err: err}
	}
	abandoned, err := q.store.CountAbandoned(ctx)
	if err != nil {
		return Stats{}, &StorageError{Op: "count abandoned", Err: err}
	}
	return Stats{Pending: pending, Abandoned: abandoned, Draining: q.draining.Load()}, nil
}

func copyHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
