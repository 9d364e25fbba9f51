// Package retention prunes old workflow events on a schedule so the
// event log stays bounded.
package retention

import (
	"context"
	"time"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/store"
)

// DefaultInterval is how often the worker prunes.
const DefaultInterval = time.Hour

// Worker periodically deletes events past the retention window and trims
// each workflow's log to the per-workflow cap.
type Worker struct {
	store          *store.Store
	interval       time.Duration
	retentionAge   time.Duration
	maxPerWorkflow int

	done    chan struct{}
	stopped chan struct{}
}

// New creates a Worker. retentionDays and maxPerWorkflow follow the
// validated config bounds.
func New(st *store.Store, retentionDays, maxPerWorkflow int) *Worker {
	return &Worker{
		store:          st,
		interval:       DefaultInterval,
		retentionAge:   time.Duration(retentionDays) * 24 * time.Hour,
		maxPerWorkflow: maxPerWorkflow,
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

// Start launches the prune loop.
func (w *Worker) Start() {
	log.SafeGo("retention-worker", w.loop)
}

// Stop runs one final prune and stops the loop.
func (w *Worker) Stop(ctx context.Context) {
	close(w.done)
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return
	}
	w.prune(ctx)
}

func (w *Worker) loop() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			w.prune(ctx)
			cancel()
		case <-w.done:
			return
		}
	}
}

func (w *Worker) prune(ctx context.Context) {
	deleted, err := w.store.PruneEvents(ctx, w.retentionAge, w.maxPerWorkflow)
	if err != nil {
		log.ErrorErr(log.CatRetention, "pruning events", err)
		return
	}
	if deleted > 0 {
		log.Info(log.CatRetention, "pruned events", "deleted", deleted)
	}
}
