package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
	"github.com/i474232898/airsense/internal/metrics"
)

// ErrQueueFull is returned when the queue buffer has no room for a new task.
var ErrQueueFull = errors.New("retrain queue full")

// Task asks for one (city, parameter) model to be retrained.
type Task struct {
	City      string
	Parameter airquality.Parameter
	Reason    string
}

type taskKey struct {
	city  string
	param airquality.Parameter
}

func (t Task) key() taskKey { return taskKey{t.City, t.Parameter} }

// Handler runs one task.
type Handler func(ctx context.Context, t Task) error

// RetrainQueue accepts retrain tasks. A task for a key that is already queued
// or running is dropped.
type RetrainQueue interface {
	// Enqueue reports whether the task was accepted.
	Enqueue(t Task) (bool, error)
	// Pending is the number of queued or running tasks.
	Pending() int
}

// MemoryQueue is the in-process RetrainQueue: a buffered channel drained by a
// fixed worker pool.
type MemoryQueue struct {
	tasks   chan Task
	handler Handler
	workers int
	log     logger.Logger
	metrics *metrics.ForecastMetrics

	mu      sync.Mutex
	pending map[taskKey]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewMemoryQueue(size, workers int, handler Handler, log logger.Logger, m *metrics.ForecastMetrics) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &MemoryQueue{
		tasks:   make(chan Task, size),
		handler: handler,
		workers: workers,
		log:     log.WithField("component", "retrain-queue"),
		metrics: m,
		pending: make(map[taskKey]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(t Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.pending[t.key()]; dup {
		return false, nil
	}
	select {
	case q.tasks <- t:
	default:
		return false, ErrQueueFull
	}
	q.pending[t.key()] = struct{}{}
	q.metrics.ObserveQueued()
	return true, nil
}

func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (q *MemoryQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Stop cancels the workers and waits for running tasks to return.
func (q *MemoryQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *MemoryQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			if err := q.handler(ctx, t); err != nil {
				q.log.WithFields(map[string]interface{}{
					"city":      t.City,
					"parameter": t.Parameter,
					"reason":    t.Reason,
				}).WithError(err).Warn("retrain task failed")
			}
			q.mu.Lock()
			delete(q.pending, t.key())
			q.mu.Unlock()
		}
	}
}
