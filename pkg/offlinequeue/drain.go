package offlinequeue

import (
	"context"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DrainOptions controls one drain pass.
type DrainOptions struct {
	// BatchSize is the number of operations dispatched concurrently.
	BatchSize int
	// InterBatchDelay spaces batches so a reconnect does not burst the server.
	InterBatchDelay time.Duration
	// Module restricts the pass to one origin tag; empty drains everything.
	Module string
}

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	// Skipped is true when another drain was already running.
	Skipped      bool     `json:"skipped"`
	Batches      int      `json:"batches"`
	Attempted    int      `json:"attempted"`
	Delivered    int      `json:"delivered"`
	Retried      int      `json:"retried"`
	Abandoned    int      `json:"abandoned"`
	AbandonedIDs []string `json:"abandonedIds,omitempty"`
}

const defaultBatchSize = 10

type deliveryOutcome struct {
	resp *Response
	err  error
}

// Drain attempts delivery of every pending operation. Operations are read in
// priority then enqueue order and split into batches; each batch is sent
// concurrently and fully awaited before the next one starts, with
// InterBatchDelay in between. Drain is single-flight per database: a call
// made while another drain runs, in this process or another one sharing the
// store, returns immediately with Skipped set. Requests cut short by ctx
// leave their operations pending with retry counts untouched, and Drain
// then returns ctx.Err().
func (q *Queue) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		log.Debug().Msg("drain already in progress, skipped")
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	held, err := q.store.AcquireLease(ctx, DrainLeaseName, q.holder, q.leaseTTL, q.now())
	if err != nil {
		return DrainResult{}, &StorageError{Op: "acquire drain lease", Err: err}
	}
	if !held {
		log.Debug().Msg("drain lease held by another process, skipped")
		return DrainResult{Skipped: true}, nil
	}
	defer func() {
		if err := q.store.ReleaseLease(context.WithoutCancel(ctx), DrainLeaseName, q.holder); err != nil {
			log.Warn().Err(err).Msg("release drain lease failed")
		}
	}()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	var result DrainResult
	ops, err := q.store.ListPending(ctx, opts.Module)
	if err != nil {
		return result, &StorageError{Op: "list pending", Err: err}
	}
	if len(ops) == 0 {
		return result, nil
	}
	started := q.now()
	batches := splitBatches(ops, batchSize)
	log.Info().
		Int("pending", len(ops)).
		Int("batches", len(batches)).
		Int("batch_size", batchSize).
		Dur("inter_batch_delay", opts.InterBatchDelay).
		Str("module", opts.Module).
		Msg("drain started")

	for i, batch := range batches {
		if i > 0 && opts.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(opts.InterBatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if i > 0 {
			renewed, err := q.store.AcquireLease(ctx, DrainLeaseName, q.holder, q.leaseTTL, q.now())
			if err != nil {
				return result, &StorageError{Op: "renew drain lease", Err: err}
			}
			if !renewed {
				log.Warn().Int("batch", i).Msg("drain lease lost, stopping")
				return result, nil
			}
		}

		outcomes := q.sendBatch(ctx, batch)
		result.Batches++
		// Outcomes already observed are recorded even if ctx was canceled
		// mid-batch.
		settleCtx := context.WithoutCancel(ctx)
		interrupted := ctx.Err() != nil
		for j, op := range batch {
			result.Attempted++
			if interrupted && isContextError(outcomes[j].err) {
				log.Debug().Str("op_id", op.ID).Msg("delivery interrupted, left pending")
				continue
			}
			if err := q.settle(settleCtx, op, outcomes[j], &result); err != nil {
				return result, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	log.Info().
		Int("attempted", result.Attempted).
		Int("delivered", result.Delivered).
		Int("retried", result.Retried).
		Int("abandoned", result.Abandoned).
		Dur("elapsed", q.now().Sub(started)).
		Msg("drain finished")
	return result, nil
}

// Draining reports whether a drain pass is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

func (q *Queue) sendBatch(ctx context.Context, batch []opstore.Operation) []deliveryOutcome {
	outcomes := make([]deliveryOutcome, len(batch))
	// Members never return errors to the group: one failure must not cancel
	// its siblings.
	var group errgroup.Group
	for i := range batch {
		i := i
		group.Go(func() error {
			resp, err := q.sender.Send(ctx, batch[i])
			outcomes[i] = deliveryOutcome{resp: resp, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (q *Queue) settle(ctx context.Context, op opstore.Operation, outcome deliveryOutcome, result *DrainResult) error {
	if outcome.err == nil {
		if op.CacheKey != "" && outcome.resp != nil {
			if err := q.Cache(ctx, op.CacheKey, outcome.resp.Body, op.CacheTTL); err != nil {
				log.Warn().Err(err).Str("op_id", op.ID).Str("cache_key", op.CacheKey).Msg("cache refresh write failed")
			}
		}
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return &StorageError{Op: "delete delivered", Err: err}
		}
		result.Delivered++
		log.Debug().Str("op_id", op.ID).Str("url", op.TargetURL).Msg("operation delivered")
		return nil
	}

	if op.RetryCount >= op.MaxRetries {
		now := q.now()
		if err := q.store.AbandonOperation(ctx, op, now, outcome.err.Error()); err != nil {
			return &StorageError{Op: "abandon", Err: err}
		}
		result.Abandoned++
		result.AbandonedIDs = append(result.AbandonedIDs, op.ID)
		q.sink.OnAbandoned(ctx, AbandonedEvent{Operation: op, Error: outcome.err.Error(), AbandonedAt: now})
		return nil
	}

	next := op.RetryCount + 1
	if err := q.store.UpdateRetryCount(ctx, op.ID, next); err != nil {
		return &StorageError{Op: "bump retry", Err: err}
	}
	result.Retried++
	log.Warn().
		Err(outcome.err).
		Str("op_id", op.ID).
		Str("url", op.TargetURL).
		Int("retry_count", next).
		Int("max_retries", op.MaxRetries).
		Msg("operation delivery failed, will retry")
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func splitBatches(ops []opstore.Operation, size int) [][]opstore.Operation {
	batches := make([][]opstore.Operation, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, ops[start:end])
	}
	return batches
}
