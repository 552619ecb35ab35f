package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bank-link/src/metrics"
	"bank-link/src/models"
)

// Local is an in-process sync queue for single instance deployments. Jobs for
// an item that is already waiting are dropped since the waiting job covers them.
type Local struct {
	jobs    chan models.SyncJob
	handler Handler
	workers int
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewLocal(handler Handler, workers, capacity int, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Local {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 100
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Local{
		jobs:    make(chan models.SyncJob, capacity),
		handler: handler,
		workers: workers,
		timeout: timeout,
		metrics: m,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

func (q *Local) Enqueue(ctx context.Context, job models.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[job.ItemID]; ok {
		q.metrics.Jobs.WithLabelValues("deduplicated").Inc()
		return nil
	}
	select {
	case q.jobs <- job:
		q.pending[job.ItemID] = struct{}{}
		q.metrics.Jobs.WithLabelValues("enqueued").Inc()
		return nil
	default:
		q.metrics.Jobs.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *Local) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("Sync workers started", "workers", q.workers)
}

// Stop cancels the workers and waits for running jobs to return.
func (q *Local) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Local) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.mu.Lock()
			delete(q.pending, job.ItemID)
			q.mu.Unlock()
			q.run(ctx, job)
		}
	}
}

func (q *Local) run(ctx context.Context, job models.SyncJob) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := q.handler(ctx, job); err != nil {
		q.metrics.Jobs.WithLabelValues("failed").Inc()
		q.logger.Error("Failed to run sync job", "item_id", job.ItemID, "reason", job.Reason, "error", err)
		return
	}
	q.metrics.Jobs.WithLabelValues("done").Inc()
}
