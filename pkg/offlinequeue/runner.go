package offlinequeue

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RunnerConfig controls the background drain loop.
type RunnerConfig struct {
	Queue *Queue
	// HealthURL is probed to detect connectivity. Empty means "assume online"
	// and let drain failures count against retries.
	HealthURL  string
	HTTPClient *http.Client
	// Probe overrides the HTTP health probe.
	Probe func(ctx context.Context) bool

	Interval  time.Duration
	BatchSize int
	// InterBatchDelay defaults to 500ms; a negative value disables it.
	InterBatchDelay    time.Duration
	CacheSweepInterval time.Duration
}

// Runner drains the queue on reconnect, periodically while online and
// whenever Trigger is called, and sweeps expired cache entries.
type Runner struct {
	queue      *Queue
	probe      func(ctx context.Context) bool
	interval   time.Duration
	opts       DrainOptions
	sweepEvery time.Duration

	online  atomic.Bool
	trigger chan struct{}
	// drained receives every finished pass; tests hook it.
	drained func(DrainResult, error)
}

// NewRunner validates cfg and fills defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, errors.New("offlinequeue: runner needs a queue")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	delay := cfg.InterBatchDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = 500 * time.Millisecond
	}
	sweep := cfg.CacheSweepInterval
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	r := &Runner{
		queue:      cfg.Queue,
		probe:      cfg.Probe,
		interval:   interval,
		opts:       DrainOptions{BatchSize: batch, InterBatchDelay: delay},
		sweepEvery: sweep,
		trigger:    make(chan struct{}, 1),
	}
	if r.probe == nil {
		r.probe = httpProbe(strings.TrimSpace(cfg.HealthURL), cfg.HTTPClient)
	}
	return r, nil
}

// Online reports the last observed connectivity state.
func (r *Runner) Online() bool {
	return r.online.Load()
}

// Trigger requests a drain without blocking. Requests made while one is
// already pending are coalesced.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// ReportConnectivity lets callers that just talked to the server share what
// they saw. A transition to online triggers a drain.
func (r *Runner) ReportConnectivity(online bool) {
	prev := r.online.Swap(online)
	if online && !prev {
		log.Info().Msg("connectivity restored (reported)")
		r.Trigger()
	}
	if !online && prev {
		log.Warn().Msg("connectivity lost (reported)")
	}
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", r.interval).
		Int("batch_size", r.opts.BatchSize).
		Dur("inter_batch_delay", r.opts.InterBatchDelay).
		Msg("offline queue runner started")

	r.checkAndDrain(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	sweeper := time.NewTicker(r.sweepEvery)
	defer sweeper.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("offline queue runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.checkAndDrain(ctx)
		case <-r.trigger:
			if r.online.Load() {
				r.drain(ctx)
			} else {
				r.checkAndDrain(ctx)
			}
		case <-sweeper.C:
			if _, err := r.queue.SweepCache(ctx); err != nil {
				log.Error().Err(err).Msg("cache sweep failed")
			}
		}
	}
}

func (r *Runner) checkAndDrain(ctx context.Context) {
	online := r.probe(ctx)
	prev := r.online.Swap(online)
	switch {
	case online && !prev:
		log.Info().Msg("connectivity restored, draining queue")
	case !online && prev:
		log.Warn().Msg("connectivity lost, queue drain paused")
	}
	if online {
		r.drain(ctx)
	}
}

func (r *Runner) drain(ctx context.Context) {
	res, err := r.queue.Drain(ctx, r.opts)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("queue drain failed")
	}
	if r.drained != nil {
		r.drained(res, err)
	}
}

func httpProbe(url string, client *http.Client) func(ctx context.Context) bool {
	if url == "" {
		return func(context.Context) bool { return true }
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("url", url).Msg("health probe failed")
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}
