package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is a unit of work. Attempt counts failed runs so far.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// DoneFunc observes a job once it will not run again: it succeeded, or it
// failed with no retries left. err is the last handler error.
type DoneFunc func(job Job, err error)

// QueueConfig configures worker pool behaviour.
// MaxRetries of zero disables redelivery: a failed job is logged and dropped.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	OnDone     DoneFunc
	Logger     *zap.Logger
}

// Queue dispatches jobs to a fixed pool of goroutines. It holds no state
// beyond the process and is meant for bounded fan-out such as batch intakes.
type Queue struct {
	name    string
	handler Handler

	workers    int
	bufferSize int
	maxRetries int
	retryDelay time.Duration
	onDone     DoneFunc
	logger     *zap.Logger

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		handler:    handler,
		workers:    cfg.Workers,
		bufferSize: cfg.BufferSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		onDone:     cfg.OnDone,
		logger:     cfg.Logger,
		jobs:       make(chan Job, cfg.BufferSize),
	}
}

// Start launches the workers. Calls after the first are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
	q.started = true
	q.logger.Debug("queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
}

// Stop cancels the workers and waits for running handlers to return.
// Buffered jobs that never started are discarded without calling OnDone.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Debug("queue stopped", zap.String("queue", q.name), zap.Int("discarded", q.Pending()))
}

// Enqueue buffers job, blocking while the buffer is full.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	ctx := q.ctx
	started := q.started
	q.mu.Unlock()

	if !started {
		return fmt.Errorf("queue %s not started", q.name)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	}
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.run(job); err != nil {
				q.handleFailure(workerID, job, err)
				continue
			}
			q.done(job, nil)
		}
	}
}

// run invokes the handler, converting a panic into an error so one bad job
// cannot take the worker down.
func (q *Queue) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(q.ctx, job)
}

func (q *Queue) handleFailure(workerID int, job Job, err error) {
	job.Attempt++
	fields := []zap.Field{
		zap.String("queue", q.name),
		zap.Int("worker", workerID),
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	}
	if job.Attempt > q.maxRetries || q.ctx.Err() != nil {
		q.logger.Warn("job failed", fields...)
		q.done(job, err)
		return
	}
	q.logger.Info("job failed, retrying", append(fields, zap.Duration("delay", q.retryDelay))...)
	go q.retry(job, err)
}

func (q *Queue) retry(job Job, cause error) {
	timer := time.NewTimer(q.retryDelay)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		q.done(job, cause)
	case <-timer.C:
		if err := q.Enqueue(job); err != nil {
			q.logger.Warn("requeue failed", zap.String("queue", q.name), zap.String("job_id", job.ID), zap.Error(err))
			q.done(job, cause)
		}
	}
}

// Pending reports how many jobs are buffered and not yet picked up by a worker.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) done(job Job, err error) {
	if q.onDone != nil {
		q.onDone(job, err)
	}
}
