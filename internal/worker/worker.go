// ============================================================================
// grobid-batch Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes one document at a time against the backend
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for task := range taskCh          │   │
//   │  │   ├─ ledger: pending → in_flight  │   │
//   │  │   ├─ call with per-call timeout   │   │
//   │  │   ├─ busy? pending, sleep, retry  │   │
//   │  │   └─ send result to resultCh      │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Busy Retry:
//   A 503 answer is never terminal while retries remain. The delay starts at
//   RetryPolicy.Delay and doubles up to RetryPolicy.MaxDelay (zero keeps it
//   constant). MaxRetries of zero retries until the server accepts the
//   document. Once the cap is hit the busy outcome is returned as-is.
//
// Timeout Control:
//   Every attempt gets its own context.WithTimeout derived from the run
//   context. Cancelling the run context interrupts the call in flight and
//   any busy sleep; the worker still reports a result for the task.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/backend"
	"github.com/ChuLiYu/grobid-batch/internal/ledger"
	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

// RetryPolicy controls how busy answers are retried.
type RetryPolicy struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func (p RetryPolicy) next(d time.Duration) time.Duration {
	if p.MaxDelay <= 0 {
		return d
	}
	d *= 2
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) exhausted(retries int) bool {
	return p.MaxRetries > 0 && retries >= p.MaxRetries
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// executor holds what every worker of a pool shares.
type executor struct {
	backend backend.Backend
	retry   RetryPolicy
	ledger  *ledger.Ledger
	metrics *metrics.Collector
	logger  *slog.Logger
	sleep   Sleeper
}

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	exec     *executor
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, exec *executor) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		exec:     exec,
	}
}

// Run drains taskCh until it is closed. Every task produces exactly one result.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		outcome := w.execute(ctx, task)
		w.resultCh <- Result{
			Index:    task.Index,
			Outcome:  outcome,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) types.Outcome {
	e := w.exec
	path := task.Job.InputPath
	if e.ledger != nil {
		if err := e.ledger.MarkInFlight(path); err != nil {
			e.logger.Warn("ledger transition failed", "input", path, "error", err)
		}
	}

	delay := e.retry.Delay
	retries := 0
	for {
		outcome := w.call(ctx, task)
		outcome.Attempts = retries + 1

		if outcome.Status != types.StatusBusy {
			return outcome
		}
		if e.retry.exhausted(retries) {
			e.logger.Warn("busy retries exhausted", "worker", w.id, "input", path, "attempts", outcome.Attempts)
			return outcome
		}

		e.logger.Debug("server busy, retrying", "worker", w.id, "input", path, "delay", delay, "attempt", outcome.Attempts)
		e.metrics.RecordBusyRetry()
		if e.ledger != nil {
			if err := e.ledger.RecordBusy(path); err != nil {
				e.logger.Warn("ledger transition failed", "input", path, "error", err)
			}
		}
		if err := e.sleep(ctx, delay); err != nil {
			outcome.Err = err.Error()
			return outcome
		}

		retries++
		if e.ledger != nil {
			if err := e.ledger.MarkInFlight(path); err != nil {
				e.logger.Warn("ledger transition failed", "input", path, "error", err)
			}
		}
		delay = e.retry.next(delay)
	}
}

func (w *Worker) call(ctx context.Context, task Task) types.Outcome {
	if task.Timeout <= 0 {
		return w.exec.backend.Call(ctx, task.Job)
	}
	callCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()
	return w.exec.backend.Call(callCtx, task.Job)
}
