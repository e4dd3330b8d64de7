package buildcachex

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// IdleWatchdog cancels a context once a transfer makes no progress for the
// idle period. Unlike a deadline it never caps a transfer that keeps moving.
type IdleWatchdog struct {
	idle   time.Duration
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// WithIdleTimeout returns a context that is cancelled with ErrTimeout when
// the returned watchdog is not kicked for idle. A non-positive idle disables
// the timer. Stop must be called to release the context.
func WithIdleTimeout(ctx context.Context, idle time.Duration) (context.Context, *IdleWatchdog) {
	ctx, cancel := context.WithCancelCause(ctx)
	w := &IdleWatchdog{idle: idle, cancel: cancel}
	if idle > 0 {
		w.timer = time.AfterFunc(idle, func() {
			cancel(fmt.Errorf("%w: no progress for %s", ErrTimeout, idle))
		})
	}
	return ctx, w
}

// Kick records progress and restarts the idle period.
func (w *IdleWatchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.stopped {
		return
	}
	w.timer.Reset(w.idle)
}

// Stop disarms the timer and cancels the context.
func (w *IdleWatchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.cancel(context.Canceled)
}

// Reader kicks the watchdog on every read that returns data.
func (w *IdleWatchdog) Reader(r io.Reader) io.Reader {
	return &idleReader{r: r, w: w}
}

type idleReader struct {
	r io.Reader
	w *IdleWatchdog
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.w.Kick()
	}
	return n, err
}
