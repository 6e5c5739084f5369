package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/artifact"
	"github.com/ChuLiYu/grobid-batch/internal/backend"
	"github.com/ChuLiYu/grobid-batch/internal/ledger"
	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

// DispatcherConfig bounds how one batch is executed.
type DispatcherConfig struct {
	Concurrency int
	CallTimeout time.Duration
	Retry       RetryPolicy
	Force       bool // process even when a success artifact exists
}

// BatchResult holds one outcome per executed job, in batch order, and the
// inputs that were skipped.
type BatchResult struct {
	Outcomes []types.Outcome
	Skipped  []string
}

// Dispatcher runs one batch at a time on a fresh worker pool.
type Dispatcher struct {
	backend  backend.Backend
	resolver artifact.Resolver
	cfg      DispatcherConfig
	ledger   *ledger.Ledger
	metrics  *metrics.Collector
	logger   *slog.Logger
	sleep    Sleeper
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLedger(l *ledger.Ledger) Option {
	return func(d *Dispatcher) { d.ledger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSleeper replaces the wait between busy retries.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = s }
}

func NewDispatcher(b backend.Backend, resolver artifact.Resolver, cfg DispatcherConfig, opts ...Option) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	d := &Dispatcher{
		backend:  b,
		resolver: resolver,
		cfg:      cfg,
		ledger:   ledger.New(),
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ledger returns the ledger the dispatcher records transitions in.
func (d *Dispatcher) Ledger() *ledger.Ledger {
	return d.ledger
}

// RunBatch executes jobs with at most Concurrency calls in flight and
// returns only after every one of them reached a terminal outcome.
func (d *Dispatcher) RunBatch(ctx context.Context, jobs []types.Job) (BatchResult, error) {
	var res BatchResult
	run := make([]types.Job, 0, len(jobs))

	for _, job := range jobs {
		path := job.InputPath
		if _, ok := d.ledger.Get(path); !ok {
			if err := d.ledger.Add(path); err != nil {
				d.logger.Warn("ledger add failed", "input", path, "error", err)
			}
		}

		if !d.cfg.Force && artifact.Exists(d.resolver.Resolve(path)) {
			if err := d.ledger.MarkSkipped(path); err != nil {
				d.logger.Warn("ledger transition failed", "input", path, "error", err)
			}
			d.metrics.RecordSkipped()
			d.logger.Debug("skipping, result already exists", "input", path)
			res.Skipped = append(res.Skipped, path)
			continue
		}
		run = append(run, job)
	}

	if len(run) == 0 {
		return res, nil
	}

	workers := d.cfg.Concurrency
	if workers > len(run) {
		workers = len(run)
	}

	pool := newPool(len(run), &executor{
		backend: d.backend,
		retry:   d.cfg.Retry,
		ledger:  d.ledger,
		metrics: d.metrics,
		logger:  d.logger,
		sleep:   d.sleep,
	})
	if err := pool.Start(ctx, workers); err != nil {
		return res, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	for i, job := range run {
		if err := pool.Submit(Task{Index: i, Job: job, Timeout: d.cfg.CallTimeout}); err != nil {
			return res, fmt.Errorf("failed to submit %s: %w", job.InputPath, err)
		}
	}

	res.Outcomes = make([]types.Outcome, len(run))
	for range run {
		result, err := pool.ReceiveResult()
		if err != nil {
			return res, fmt.Errorf("failed to collect results: %w", err)
		}
		path := run[result.Index].InputPath
		if result.Outcome.InputPath == "" {
			result.Outcome.InputPath = path
		}
		res.Outcomes[result.Index] = result.Outcome
		if err := d.ledger.Finish(path, result.Outcome); err != nil {
			d.logger.Warn("ledger transition failed", "input", path, "error", err)
		}
		d.logger.Debug("document finished",
			"input", result.Outcome.InputPath,
			"status", result.Outcome.Status,
			"status_code", result.Outcome.StatusCode,
			"attempts", result.Outcome.Attempts,
			"duration", result.Duration)
	}

	return res, nil
}
