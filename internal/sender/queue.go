package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-as2/internal/metrics"
)

// ErrQueueClosed is returned by Stop when called twice.
var ErrQueueClosed = errors.New("queue is closed")

// QueueConfig holds worker pool settings
type QueueConfig struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Queue runs deferred tasks, such as asynchronous MDN deliveries, on a
// fixed pool of workers. It implements as2.Dispatcher.
type Queue struct {
	tasks   chan func(context.Context)
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  map[*time.Timer]func(context.Context)
	inflight sync.WaitGroup
}

// NewQueue starts the workers.
func NewQueue(cfg *QueueConfig) *Queue {
	if cfg == nil {
		cfg = &QueueConfig{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		tasks:   make(chan func(context.Context), size),
		metrics: cfg.Metrics,
		logger:  logger,
		pending: make(map[*time.Timer]func(context.Context)),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for range workers {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Dispatch runs task on a worker once delay has passed. Tasks dispatched
// after Stop run immediately on the caller's goroutine with a cancelled
// context so that they can still release their resources.
func (q *Queue) Dispatch(delay time.Duration, task func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop(task)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, ok := q.pending[timer]
		delete(q.pending, timer)
		if ok {
			q.inflight.Add(1)
		}
		q.mu.Unlock()
		if ok {
			defer q.inflight.Done()
			q.enqueue(task)
		}
	})
	q.pending[timer] = task
}

func (q *Queue) enqueue(task func(context.Context)) {
	select {
	case q.tasks <- task:
		q.gauge()
	case <-q.ctx.Done():
		q.drop(task)
	}
}

func (q *Queue) drop(task func(context.Context)) {
	q.logger.Warn("asynchronous task dropped")
	if q.metrics != nil {
		q.metrics.QueueDropsTotal.Inc()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task(ctx)
}

func (q *Queue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.gauge()
		task(q.ctx)
	}
}

func (q *Queue) gauge() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.tasks)))
	}
}

// Stop stops accepting tasks, hands tasks still waiting on their delay to
// the workers and waits for the queue to drain. When ctx expires first the
// running tasks see their context cancelled and Stop returns ctx.Err().
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	var early []func(context.Context)
	// A timer that already fired but has not taken the lock yet finds its
	// entry gone and leaves the task to Stop.
	for timer, task := range q.pending {
		timer.Stop()
		early = append(early, task)
		delete(q.pending, timer)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, task := range early {
			q.enqueue(task)
		}
		q.inflight.Wait()
		close(q.tasks)
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("async queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
