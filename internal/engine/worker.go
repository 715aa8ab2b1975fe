package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-ai/kiln/internal/storage"
	"github.com/atelier-ai/kiln/internal/telemetry"
)

// Worker polls the pending queue, claims requests, and hands each claim to
// the controller on its own goroutine. Claims are atomic conditional
// transitions (PENDING → OPTIMIZING under a row lock), so two workers
// polling concurrently can never drive the same request.
type Worker struct {
	store        Store
	controller   *Controller
	logger       *slog.Logger
	pollInterval time.Duration
	concurrency  int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	wakeCh     chan struct{}
}

// NewWorker creates a worker that drives at most concurrency requests at a
// time.
func NewWorker(store Store, controller *Controller, pollInterval time.Duration, concurrency int, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		store:        store,
		controller:   controller,
		logger:       logger,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		done:         make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Wake nudges the worker to poll immediately, e.g. on a pending-queue
// notification. Safe to call from any goroutine; coalesces bursts.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Drain signals the poll loop to stop claiming new work and blocks until
// in-flight requests finish or the context expires. Requests interrupted
// mid-iteration are left in a non-terminal status; on restart a housekeeping
// pass or operator intervention returns them to PENDING.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	g, runCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			// Stop claiming; wait for in-flight controllers.
			_ = g.Wait()
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.claimBatch(ctx, runCtx, g)
		case <-w.wakeCh:
			w.claimBatch(ctx, runCtx, g)
		}
	}
}

// claimBatch claims pending requests until the queue is empty or all driver
// slots are busy. TryGo keeps the poll loop responsive: a full pool leaves
// the row PENDING for the next tick instead of blocking.
func (w *Worker) claimBatch(ctx, runCtx context.Context, g *errgroup.Group) {
	for {
		req, err := w.store.ClaimNextPending(ctx)
		if err != nil {
			if !errors.Is(err, storage.ErrNoPending) && !errors.Is(err, context.Canceled) {
				w.logger.Error("worker: claim pending", "error", err)
			}
			return
		}

		claimed := req
		if !g.TryGo(func() error {
			if err := w.controller.Run(runCtx, claimed); err != nil {
				w.logger.Error("worker: drive request", "error", err, "request_id", claimed.ID)
			}
			return nil
		}) {
			// All slots busy: undo nothing — the claim already moved the row
			// out of PENDING, so drive it synchronously on the poll goroutine.
			if err := w.controller.Run(runCtx, claimed); err != nil {
				w.logger.Error("worker: drive request", "error", err, "request_id", claimed.ID)
			}
			return
		}
	}
}

// registerMetrics exports the pending-queue depth as an observable gauge.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("kiln/worker")

	_, _ = meter.Int64ObservableGauge("kiln.worker.pending_depth",
		metric.WithDescription("Number of PENDING generation requests awaiting a worker"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.store.CountPending(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
