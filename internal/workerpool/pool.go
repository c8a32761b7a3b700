// Package workerpool runs bounded background work for the proxy — in this
// module, the periodic CPU/memory sampling cmd/proxy submits — so a slow
// or panicking background task can never stall the channel's fetch loop or
// a client's read loop, which always get their own dedicated goroutine
// instead (spec.md §5).
//
// Grounded on ws/worker_pool.go: same fixed-size worker pool, buffered
// task queue, non-blocking drop-on-full Submit, and panic-recovery-with-
// stack-trace worker loop.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of background work.
type Task func()

// Pool is a fixed-size pool of worker goroutines draining a bounded queue.
type Pool struct {
	workerCount  int
	taskQueue    chan Task
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// New creates a pool with workerCount goroutines and a queue sized queueSize.
func New(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. They run until ctx is cancelled or
// Stop is called, whichever happens first.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker pool task panicked, worker continues")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution. If the queue is full,
// the task is dropped and the dropped-task counter incremented — this
// sheds load instead of letting goroutines pile up unbounded when
// background work can't keep pace.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
	}
}

// Stop closes the task queue and blocks until every worker has drained it
// and exited. Safe to call once; a second call will panic on the closed
// channel, matching the teacher's documented single-shutdown contract.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// DroppedTasks returns how many tasks have been dropped due to a full queue.
func (p *Pool) DroppedTasks() int64 { return atomic.LoadInt64(&p.droppedTasks) }

// QueueDepth returns the number of tasks currently waiting in the queue.
func (p *Pool) QueueDepth() int { return len(p.taskQueue) }
