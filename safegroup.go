package edgesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// SafeGroup runs the long-lived loops of an edge process (drain runner,
// mesh coordinator, HTTP listener) under one errgroup. A panicking loop is
// restarted with backoff instead of taking the process down; a loop that
// returns an error cancels its siblings.
type SafeGroup struct {
	group  *errgroup.Group
	ctx    context.Context
	parent context.Context
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{group: group, ctx: groupCtx, parent: ctx}
}

// Context is canceled when the parent is canceled or any loop fails.
func (sg *SafeGroup) Context() context.Context { return sg.ctx }

// GoSafe starts fn and restarts it after a panic until the group context
// ends. Panics go to stderr: the logger may be what panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || fn == nil {
		return
	}
	sg.group.Go(func() error {
		backoff := restartBackoff
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			recovered, err := runGuarded(sg.ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(backoff + jitter(backoff/2)):
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	})
}

func runGuarded(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(max))
}

// WaitOrInterrupt waits for every loop. Once the parent context is done it
// allows gracePeriod for loops to wind down and then returns parent.Err().
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- sg.group.Wait() }()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(sg.parent, err)
	case <-sg.parent.Done():
	}
	if gracePeriod <= 0 {
		return sg.parent.Err()
	}
	select {
	case err := <-waitCh:
		return normalizeInterruptError(sg.parent, err)
	case <-time.After(gracePeriod):
		return sg.parent.Err()
	}
}

// normalizeInterruptError folds cancellation errors caused by the parent
// into parent.Err() so callers can tell shutdown from failure.
func normalizeInterruptError(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return parent.Err()
	}
	return err
}
