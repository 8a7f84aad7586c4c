package conn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// gate is the availability signal. avail is a one-slot counting semaphore
// whose count equals the number of buffered messages; done is closed once
// on teardown and wakes every waiter.
type gate struct {
	avail     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newGate() *gate {
	return &gate{
		avail: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// post increments the signal. Callers only post when a message became
// ready, so the slot is always free here.
func (g *gate) post() {
	select {
	case g.avail <- struct{}{}:
	default:
	}
}

// wait consumes one signal. timeout < 0 waits forever, 0 polls.
func (g *gate) wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-g.done:
		return ErrClosed
	default:
	}
	select {
	case <-g.avail:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrTimeout
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-g.avail:
		return nil
	case <-g.done:
		return ErrClosed
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWaitFailed, ctx.Err())
	}
}

func (g *gate) close() {
	g.closeOnce.Do(func() { close(g.done) })
}
