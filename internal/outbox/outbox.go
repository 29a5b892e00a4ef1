// Package outbox runs side effects after the core transaction has committed.
//
// Enqueue never blocks: a full queue drops the task and logs it. Workers
// retry a failing task with exponential backoff up to its attempt limit and
// then log the failure. Nothing here reports back to the caller that
// enqueued the task.
package outbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/registration-engine/internal/config"
)

// Task is one unit of side-effect work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// MaxAttempts overrides the queue default when non-zero. Tasks whose
	// collaborator owns its own retry policy use 1.
	MaxAttempts uint
}

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(t Task) bool
}

// Queue is an in-process worker pool.
type Queue struct {
	tasks       chan Task
	workers     int
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	pending     sync.WaitGroup
}

// New constructs a Queue sized by cfg. Call Run to start the workers.
func New(cfg config.OutboxConfig) *Queue {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Queue{
		tasks:       make(chan Task, cfg.Buffer),
		workers:     workers,
		maxAttempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// WithBackOff replaces the retry schedule.
func (q *Queue) WithBackOff(fn func() backoff.BackOff) *Queue {
	q.newBackOff = fn
	return q
}

// Enqueue schedules t. It reports false, after logging, if the buffer is full.
func (q *Queue) Enqueue(t Task) bool {
	q.pending.Add(1)
	select {
	case q.tasks <- t:
		return true
	default:
		q.pending.Done()
		log.Printf("outbox: queue full, dropped task %q", t.Name)
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks still
// buffered at that point are logged and dropped.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	err := g.Wait()

	for {
		select {
		case t := <-q.tasks:
			log.Printf("outbox: shutting down, dropped task %q", t.Name)
			q.pending.Done()
		default:
			return err
		}
	}
}

// Flush waits until every enqueued task has finished. It must not race
// with Enqueue.
func (q *Queue) Flush() {
	q.pending.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.execute(ctx, t)
			q.pending.Done()
		}
	}
}

func (q *Queue) execute(ctx context.Context, t Task) {
	attempts := q.maxAttempts
	if t.MaxAttempts > 0 {
		attempts = t.MaxAttempts
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, runSafely(ctx, t)
	},
		backoff.WithBackOff(q.newBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("outbox: task %q failed, retrying in %s: %v", t.Name, next, err)
		}),
	)
	if err != nil {
		log.Printf("outbox: task %q gave up: %v", t.Name, err)
	}
}

// runSafely turns a panicking task into an error.
func runSafely(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
