package mesh

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStaleAfter    = 30 * time.Second
	DefaultEvictAfter    = 90 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// ErrCoordinatorStopped is returned when the event loop is not running.
var ErrCoordinatorStopped = errors.New("mesh: coordinator stopped")

// CoordinatorConfig tunes liveness tracking.
type CoordinatorConfig struct {
	// MeshID defaults to a random uuid.
	MeshID        string
	StaleAfter    time.Duration
	EvictAfter    time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Coordinator serializes every mesh mutation through a single event loop.
// Transports feed it connection events; Run must be running for them to be
// processed.
type Coordinator struct {
	state  *meshState
	events chan func(*meshState)
	done   chan struct{}
	sweep  time.Duration

	running atomic.Bool
	connSeq atomic.Uint64
}

// NewCoordinator fills defaults for zero values.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.MeshID == "" {
		cfg.MeshID = uuid.NewString()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if cfg.EvictAfter < cfg.StaleAfter {
		cfg.EvictAfter = cfg.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		state:  newMeshState(cfg.MeshID, cfg.StaleAfter, cfg.EvictAfter, cfg.Now),
		events: make(chan func(*meshState), 256),
		done:   make(chan struct{}),
		sweep:  cfg.SweepInterval,
	}
}

// MeshID identifies this coordinator instance; it changes on restart.
func (c *Coordinator) MeshID() string { return c.state.meshID }

// Run processes events until ctx is canceled, then closes every connection.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("mesh: coordinator already running")
	}
	defer close(c.done)

	log.Info().
		Str("mesh_id", c.state.meshID).
		Dur("stale_after", c.state.staleAfter).
		Dur("evict_after", c.state.evictAfter).
		Dur("sweep_interval", c.sweep).
		Msg("mesh coordinator started")

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.state.closeAll()
			log.Info().Str("mesh_id", c.state.meshID).Msg("mesh coordinator stopped")
			return ctx.Err()
		case fn := <-c.events:
			fn(c.state)
		case <-ticker.C:
			c.state.sweep()
		}
	}
}

func (c *Coordinator) submit(fn func(*meshState)) bool {
	if c.stopped() {
		return false
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) nextConnID() string {
	return "conn-" + strconv.FormatUint(c.connSeq.Add(1), 10)
}

// Attach registers a new connection in CONNECTED state.
func (c *Coordinator) Attach(conn Conn) bool {
	return c.submit(func(s *meshState) { s.open(conn) })
}

// Deliver hands a decoded frame from conn to the event loop.
func (c *Coordinator) Deliver(conn Conn, msg Message) bool {
	return c.submit(func(s *meshState) { s.handle(conn, msg) })
}

// Reject answers a frame that could not be decoded.
func (c *Coordinator) Reject(conn Conn, reason error) bool {
	return c.submit(func(s *meshState) {
		if _, ok := s.sessions[conn.ID()]; ok {
			conn.Send(errorMessage("", "%v", reason))
		}
	})
}

// Detach reports that conn's transport is gone.
func (c *Coordinator) Detach(conn Conn) bool {
	return c.submit(func(s *meshState) { s.closed(conn.ID()) })
}

// Sweep runs a liveness sweep now instead of waiting for the ticker.
func (c *Coordinator) Sweep(ctx context.Context) error {
	return c.call(ctx, func(s *meshState) { s.sweep() })
}

// Snapshot returns the current peers and hub as seen by the event loop.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	if err := c.call(ctx, func(s *meshState) { out <- s.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return <-out, nil
}

func (c *Coordinator) call(ctx context.Context, fn func(*meshState)) error {
	if c.stopped() {
		return ErrCoordinatorStopped
	}
	reply := make(chan struct{})
	wrapped := func(s *meshState) {
		fn(s)
		close(reply)
	}
	select {
	case c.events <- wrapped:
	case <-c.done:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
