// Package queue runs session processing jobs on a fixed pool of workers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
	"github.com/trezcool/mwalimu/services/metrics"
)

var (
	ErrQueueFull   = errors.New("processing queue is full")
	ErrQueueClosed = errors.New("processing queue is closed")
)

type (
	// Handler processes one session.
	Handler func(ctx context.Context, id string)

	Options struct {
		Delay   time.Duration // time between scheduling a job and running it
		Workers int
		Size    int // capacity of the backlog
	}

	// Queue is an in-process job queue. Jobs not started when the queue stops are dropped;
	// their sessions stay pending until recovered.
	Queue struct {
		opts Options
		log  core.Logger

		jobs chan job
		stop chan struct{}
		wg   sync.WaitGroup // scheduled jobs not done yet
		g    errgroup.Group

		mutex   sync.RWMutex
		started bool
		closed  bool
	}

	job struct {
		id  string
		due time.Time
	}
)

var _ session.Scheduler = (*Queue)(nil)

func New(opts Options, logger core.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &Queue{
		opts: opts,
		log:  logger,
		jobs: make(chan job, opts.Size),
		stop: make(chan struct{}),
	}
}

// Start launches the workers. Handlers run with ctx, which Stop does not cancel.
// Cancelling ctx stops the queue as Stop does.
func (q *Queue) Start(ctx context.Context, handle Handler) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.opts.Workers; i++ {
		q.g.Go(func() error {
			q.work(ctx, handle)
			return nil
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			if q.close() {
				_ = q.g.Wait()
				q.drain()
			}
		case <-q.stop:
		}
	}()
}

// Schedule enqueues a session without blocking.
func (q *Queue) Schedule(id string) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	if q.closed {
		metrics.QueueRejected.WithLabelValues("closed").Inc()
		return ErrQueueClosed
	}

	q.wg.Add(1)
	select {
	case q.jobs <- job{id: id, due: time.Now().Add(q.opts.Delay)}:
		metrics.QueueDepth.Inc()
		return nil
	default:
		q.wg.Done()
		metrics.QueueRejected.WithLabelValues("full").Inc()
		return ErrQueueFull
	}
}

// Wait blocks until every scheduled job has run or been dropped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Stop stops accepting jobs, lets running jobs finish and drops the others.
func (q *Queue) Stop(ctx context.Context) error {
	if !q.close() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = q.g.Wait()
		q.drain()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "stopping queue")
	}
}

// close stops the intake and reports whether the queue was open.
func (q *Queue) close() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.stop)
	return true
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			metrics.QueueDepth.Dec()
			q.log.Warn("queue: dropped job", map[string]interface{}{"session_id": j.id})
			q.wg.Done()
		default:
			return
		}
	}
}

func (q *Queue) work(ctx context.Context, handle Handler) {
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			metrics.QueueDepth.Dec()
			if !q.waitUntil(ctx, j.due) {
				q.log.Warn("queue: dropped job", map[string]interface{}{"session_id": j.id})
				q.wg.Done()
				return
			}
			q.run(ctx, handle, j.id)
		}
	}
}

// waitUntil sleeps until due and reports false if the queue stopped meanwhile.
func (q *Queue) waitUntil(ctx context.Context, due time.Time) bool {
	d := time.Until(due)
	if d <= 0 {
		// a due job may be picked after the stop
		select {
		case <-q.stop:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) run(ctx context.Context, handle Handler, id string) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue: job panicked", errors.Errorf("%v", r), map[string]interface{}{"session_id": id})
		}
	}()
	handle(ctx, id)
}
