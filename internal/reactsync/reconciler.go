package reactsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reconciler runs tick on a fixed interval until stopped. A tick that is
// still running when the next one is due delays it; ticks never overlap.
type reconciler struct {
	interval time.Duration
	tick     func(context.Context)
	logger   *slog.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newReconciler(interval time.Duration, tick func(context.Context), logger *slog.Logger) *reconciler {
	return &reconciler{interval: interval, tick: tick, logger: logger, done: make(chan struct{})}
}

func (r *reconciler) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(ctx)
}

func (r *reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *reconciler) run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconcile tick panicked", "panic", rec)
		}
	}()
	r.tick(ctx)
}

// stop cancels the loop and waits for the current tick to return.
func (r *reconciler) stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}
