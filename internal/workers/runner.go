// Package workers provides the background-task abstraction the evaluation
// pipeline and rewrite orchestrator run on.
//
// The runner accepts task descriptors with an idempotency key, bounded
// retries and an explicit timeout, and guarantees at-least-once execution
// on a bounded worker pool. Tasks must be idempotent or cap their own
// retries; the runner never hides failures behind silent retries.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_quality_worker_queue_depth",
		Help: "Number of tasks waiting in the worker queue",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_quality_worker_tasks_total",
		Help: "Total tasks processed by terminal outcome",
	}, []string{"outcome"})
	taskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_quality_worker_task_retries_total",
		Help: "Total task retry attempts",
	})
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "content_quality_worker_task_duration_seconds",
		Help:    "Task execution duration",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
	})
)

// Task is one unit of background work.
type Task struct {
	// IdempotencyKey dedupes in-flight submissions: a task whose key is
	// already queued or running is not enqueued again.
	IdempotencyKey string
	// MaxRetries caps re-execution after a failure. Zero means no retries.
	MaxRetries int
	// Timeout bounds each attempt. Zero falls back to the runner default.
	Timeout time.Duration
	// Run does the work. It must honor ctx cancellation.
	Run func(ctx context.Context) error
}

// Config holds runner configuration.
type Config struct {
	Workers        int           // worker goroutines (default 4)
	QueueSize      int           // bounded queue length (default 256)
	DefaultTimeout time.Duration // per-attempt timeout fallback (default 60s)
	RetryBaseDelay time.Duration // first backoff step (default 500ms)
	Logger         *slog.Logger
}

// Runner executes tasks on a bounded worker pool.
type Runner struct {
	cfg      Config
	logger   *slog.Logger
	queue    chan *Task
	inflight map[string]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
	running  bool
	cancel   context.CancelFunc
}

// NewRunner creates a runner; Start must be called before Submit.
func NewRunner(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		logger:   cfg.Logger,
		queue:    make(chan *Task, cfg.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

// Start spawns the worker pool. Subsequent calls are rejected.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return core.NewError(core.KindConflict, "runner.start", "runner already running")
	}
	r.running = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
	r.logger.Info("worker runner started",
		"workers", r.cfg.Workers,
		"queue_size", r.cfg.QueueSize)
	return nil
}

// Submit enqueues a task. Duplicate in-flight idempotency keys are dropped
// without error; a full queue surfaces as unavailable.
func (r *Runner) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return core.NewError(core.KindValidation, "runner.submit", "task run function is required")
	}

	// The lock is held across the non-blocking send so Stop cannot close
	// the queue between the running check and the enqueue.
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return core.NewError(core.KindUnavailable, "runner.submit", "runner is not running")
	}
	if task.IdempotencyKey != "" {
		if _, dup := r.inflight[task.IdempotencyKey]; dup {
			r.logger.Debug("task already in flight", "idempotency_key", task.IdempotencyKey)
			return nil
		}
	}

	select {
	case r.queue <- &task:
		if task.IdempotencyKey != "" {
			r.inflight[task.IdempotencyKey] = struct{}{}
		}
		queueDepth.Set(float64(len(r.queue)))
		return nil
	default:
		return core.NewError(core.KindUnavailable, "runner.submit", "task queue is full")
	}
}

// Stop drains workers, waiting up to timeout.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	close(r.queue)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("worker runner stopped")
		return nil
	case <-time.After(timeout):
		cancel()
		return core.NewError(core.KindTimeout, "runner.stop", "workers did not drain in time")
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for task := range r.queue {
		queueDepth.Set(float64(len(r.queue)))
		r.execute(ctx, task)
		r.clearInflight(task.IdempotencyKey)
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, task *Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	start := time.Now()
	var err error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			taskRetries.Inc()
			delay := r.cfg.RetryBaseDelay << (attempt - 1)
			r.logger.Debug("retrying task",
				"idempotency_key", task.IdempotencyKey,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				tasksTotal.WithLabelValues("cancelled").Inc()
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = task.Run(attemptCtx)
		cancel()
		if err == nil {
			tasksTotal.WithLabelValues("success").Inc()
			taskDuration.Observe(time.Since(start).Seconds())
			return
		}
		// Contract violations will not pass on a retry; stop early.
		switch core.KindOf(err) {
		case core.KindValidation, core.KindConflict, core.KindForbidden,
			core.KindInvalidState, core.KindApprovedContent, core.KindCapExceeded:
			tasksTotal.WithLabelValues("rejected").Inc()
			r.logger.Warn("task rejected",
				"idempotency_key", task.IdempotencyKey,
				"error", err)
			return
		}
	}

	tasksTotal.WithLabelValues("failed").Inc()
	taskDuration.Observe(time.Since(start).Seconds())
	r.logger.Error("task failed after retries",
		"idempotency_key", task.IdempotencyKey,
		"max_retries", task.MaxRetries,
		"error", err)
}

func (r *Runner) clearInflight(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}
