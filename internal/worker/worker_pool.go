// ============================================================================
// grobid-batch Worker Pool - bounded concurrent executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// Architecture:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker n│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. newPool()  - create channels
//   2. Start(n)   - launch n worker goroutines
//   3. Submit()   - enqueue tasks
//   4. ReceiveResult() - collect one result per task
//   5. Stop()     - close taskCh, wait for every worker to exit
//
// A pool lives for exactly one batch. Stop returning is the batch barrier:
// no worker goroutine of the batch is left running.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a fixed set of workers sharing one task channel.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	exec     *executor
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// newPool creates a pool whose channels hold bufferSize items.
func newPool(bufferSize int, exec *executor) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		exec:     exec,
	}
}

// Start launches workerCount workers bound to ctx.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.exec)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	return nil
}

// Submit enqueues a task. The state check and the send happen under the
// same lock so Stop can never close taskCh under a pending send.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// ReceiveResult blocks until a result is available. It fails with
// ErrPoolClosed once the pool is stopped and every result has been read.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		result, ok := <-p.resultCh
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	}
}

// Stop closes the task channel and waits for all workers to finish their
// current task.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
