package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work handed to a queue.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler consumes a single job. A non-nil error triggers a retry.
type Handler func(context.Context, Job) error

// QueueConfig tunes the worker pool. Zero values fall back to defaults.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

const (
	queueIdle = iota
	queueRunning
	queueStopped
)

// Queue fans jobs out to a fixed pool of goroutines over a buffered
// channel. Failed jobs are re-enqueued after a delay until they run
// out of attempts.
type Queue struct {
	name string
	run  Handler
	cfg  QueueConfig

	pending chan Job
	log     *zap.SugaredLogger

	mu     sync.Mutex
	state  int
	ctx    context.Context
	cancel context.CancelFunc
	pool   sync.WaitGroup
}

// NewQueue prepares a queue around handler. Call Start before Enqueue.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:    name,
		run:     handler,
		cfg:     cfg,
		pending: make(chan Job, cfg.BufferSize),
		log:     cfg.Logger.Sugar(),
	}
}

// Start launches the worker pool. Subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueIdle {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.state = queueRunning

	for i := 0; i < q.cfg.Workers; i++ {
		q.pool.Add(1)
		go q.consume()
	}
	q.log.Infow("job queue running", "queue", q.name, "workers", q.cfg.Workers)
}

// Stop signals the pool to drain and blocks until every worker exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.state != queueRunning {
		q.mu.Unlock()
		return
	}
	q.state = queueStopped
	q.cancel()
	q.mu.Unlock()

	q.pool.Wait()
	q.log.Infow("job queue drained", "queue", q.name)
}

// Enqueue submits a job, blocking while the buffer is full.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	ctx, state := q.ctx, q.state
	q.mu.Unlock()

	if state != queueRunning {
		return fmt.Errorf("queue %s not started", q.name)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case q.pending <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	}
}

func (q *Queue) consume() {
	defer q.pool.Done()
	for {
		select {
		case job := <-q.pending:
			if err := q.run(q.ctx, job); err != nil {
				q.retry(job, err)
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// retry schedules one more attempt unless the job has exhausted its
// budget. The delay timer is abandoned if the queue shuts down first.
func (q *Queue) retry(job Job, cause error) {
	job.Attempt++
	if job.Attempt > q.cfg.MaxRetries {
		q.log.Errorw("job dropped after final attempt",
			"queue", q.name, "job_id", job.ID, "type", job.Type, "error", cause)
		return
	}
	q.log.Warnw("job attempt failed",
		"queue", q.name, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "error", cause)

	ctx := q.ctx
	time.AfterFunc(q.cfg.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := q.Enqueue(job); err != nil {
			q.log.Errorw("job requeue rejected", "queue", q.name, "job_id", job.ID, "error", err)
		}
	})
}
