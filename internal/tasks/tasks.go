// Package tasks implements the daemon's single bounded background queue
// and its concurrency-limited worker pool (spec.md §4.M): the home for
// PrepareContext composition, cache-warming, and any other droppable,
// optimistic work a mutating request posts on its way to acknowledging.
package tasks

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/metrics"
)

// Task is one unit of background work. ProjectHash names the project it
// belongs to; IsLive (when non-nil) is consulted immediately before Run
// executes so a task whose project has since been evicted from the store
// is skipped rather than run against stale state (spec.md §4.M "cancelled
// if the project evicts").
type Task struct {
	Name        string
	ProjectHash string
	IsLive      func(projectHash string) bool
	Run         func(ctx context.Context)
}

// Queue is a single bounded channel fed by try-send producers and drained
// by a fixed-size worker pool, matching the teacher's errgroup-based
// bounded-concurrency idiom (internal/indexing's pipeline workers) applied
// to a generic task instead of a file-parse job.
type Queue struct {
	ch       chan Task
	capacity int

	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	dropped int64
}

// New creates a queue with the given capacity and concurrency, and starts
// its worker pool immediately.
func New(capacity, concurrency int, reg *metrics.Registry) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	q := &Queue{
		ch:       make(chan Task, capacity),
		capacity: capacity,
		metrics:  reg,
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
	}

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			q.worker(gctx)
			return nil
		})
	}
	return q
}

// TrySubmit enqueues t without blocking. If the queue is full the task is
// dropped and the drop counter is incremented (spec.md §4.M "overflow
// drops the task and increments a counter - droppable tasks are
// exclusively optimistic prepare/enrichment work").
func (q *Queue) TrySubmit(t Task) bool {
	select {
	case q.ch <- t:
		return true
	default:
		atomic.AddInt64(&q.dropped, 1)
		if q.metrics != nil {
			q.metrics.Inc("tasks.dropped")
		}
		debug.LogTasks("dropped task %s for project %s: queue full", t.Name, t.ProjectHash)
		return false
	}
}

// Dropped returns the number of tasks dropped so far due to overflow.
func (q *Queue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.ch:
			if !ok {
				return
			}
			q.run(ctx, t)
		}
	}
}

// run executes one task with panic recovery: a panicking task is logged
// and counted, and the worker goroutine keeps serving subsequent tasks
// rather than dying with it (spec.md §7 "Background task panics are
// logged and counted; workers are replaced" - replacement here means the
// worker loop itself survives and immediately resumes, rather than a
// fresh goroutine being spawned, since the pool size is otherwise static).
func (q *Queue) run(ctx context.Context, t Task) {
	if t.IsLive != nil && !t.IsLive(t.ProjectHash) {
		debug.LogTasks("skipped task %s: project %s no longer live", t.Name, t.ProjectHash)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if q.metrics != nil {
				q.metrics.Inc("tasks.panic")
			}
			debug.LogTasks("task %s panicked: %v", t.Name, r)
		}
	}()

	if ctx.Err() != nil {
		return
	}
	t.Run(ctx)
}

// Shutdown drains the queue (stops accepting, waits for in-flight/queued
// work up to the 5s cap the spec names, then aborts) - spec.md §5
// "Shutdown drains the background queue with a 5s cap, then aborts".
func (q *Queue) Shutdown(drainTimeout func() <-chan struct{}) {
	close(q.ch)

	done := make(chan struct{})
	var once sync.Once
	go func() {
		q.group.Wait()
		once.Do(func() { close(done) })
	}()

	if drainTimeout != nil {
		select {
		case <-done:
		case <-drainTimeout():
		}
	} else {
		<-done
	}
	q.cancel()
}

// Len reports the number of tasks currently queued (not yet picked up by
// a worker), used by Status.
func (q *Queue) Len() int { return len(q.ch) }
