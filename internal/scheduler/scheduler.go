// ============================================================================
// grobid-batch Scheduler - run coordinator
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
//
// Run flow:
//   1. Discover()   - walk the input root, keep eligible files, sort lexically;
//                     unreadable subtrees become warnings
//   2. Partition()  - cut the list into batches of BatchSize
//   3. per batch:
//        Dispatcher.RunBatch  (bounded worker pool, busy retry, skip existing)
//        Reconciler.Apply     (success / error artifacts)
//        update counters
//   4. return RunSummary
//
// Batch barrier:
//   Batch k+1 is not submitted until every job of batch k has a terminal
//   outcome and its artifacts are written. RunBatch joins its worker pool
//   before returning, so no call of batch k can overlap batch k+1.
//
// Cancellation:
//   The context is checked between batches. A cancelled context stops the
//   run after the batch in progress has been reconciled; the remaining jobs
//   stay pending and are picked up by the next run.
//
// Counters are guarded by a mutex and may be read with Snapshot() while a
// run is in progress.
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/artifact"
	"github.com/ChuLiYu/grobid-batch/internal/backend"
	"github.com/ChuLiYu/grobid-batch/internal/ledger"
	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/internal/worker"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrInputRoot      = errors.New("invalid input root")
	ErrBatchSize      = errors.New("batch size must be at least 1")
	ErrInterrupted    = errors.New("run interrupted")
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// WarnNoInput is reported when the input root holds no eligible file.
const WarnNoInput = "no eligible input files found"

// Config describes one run.
type Config struct {
	Service     types.Service
	Options     types.Options
	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
	Retry       worker.RetryPolicy
	Force       bool
}

// Scheduler discovers inputs and drives them through the dispatcher batch by batch.
type Scheduler struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	sleep   worker.Sleeper

	mu       sync.Mutex
	running  bool
	runID    string
	counters types.RunCounters
	batches  int
	failures []artifact.Failure
	ledger   *ledger.Ledger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSleeper replaces the wait between busy retries.
func WithSleeper(fn worker.Sleeper) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

func New(b backend.Backend, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend: b,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes every eligible file under inputRoot. An empty outputRoot
// writes artifacts next to their inputs.
func (s *Scheduler) Run(ctx context.Context, inputRoot, outputRoot string) (types.RunSummary, error) {
	start := time.Now()

	if s.cfg.BatchSize < 1 {
		return types.RunSummary{}, ErrBatchSize
	}
	if err := s.cfg.Options.Validate(); err != nil {
		return types.RunSummary{}, err
	}
	inputRoot, outputRoot, err := absRoots(inputRoot, outputRoot)
	if err != nil {
		return types.RunSummary{}, err
	}

	if err := s.begin(); err != nil {
		return types.RunSummary{}, err
	}
	defer s.end()

	log := s.logger.With("run_id", s.runID, "service", s.cfg.Service)
	summary := types.RunSummary{RunID: s.runID}

	paths, warnings, err := Discover(inputRoot, outputRoot, s.cfg.Service)
	if err != nil {
		return summary, err
	}
	for _, w := range warnings {
		log.Warn("input skipped", "reason", w)
	}
	summary.Warnings = append(summary.Warnings, warnings...)

	jobs := make([]types.Job, 0, len(paths))
	for _, p := range paths {
		job, err := types.NewJob(p, s.cfg.Service, s.cfg.Options)
		if err != nil {
			return summary, err
		}
		jobs = append(jobs, job)
		if err := s.ledger.Add(p); err != nil {
			return summary, fmt.Errorf("failed to register %s: %w", p, err)
		}
	}

	s.mu.Lock()
	s.counters.TotalDiscovered = len(jobs)
	s.mu.Unlock()
	s.metrics.RecordDiscovered(len(jobs))

	if len(jobs) == 0 {
		log.Warn(WarnNoInput, "input", inputRoot)
		summary.Warnings = append(summary.Warnings, WarnNoInput)
		summary.Duration = time.Since(start)
		return summary, nil
	}

	batches := Partition(jobs, s.cfg.BatchSize)
	log.Info("run started",
		"input", inputRoot,
		"output", outputRoot,
		"documents", len(jobs),
		"batches", len(batches),
		"concurrency", s.cfg.Concurrency)

	resolver := artifact.NewResolver(inputRoot, outputRoot, s.cfg.Service.ResultSuffix())
	reconciler := artifact.NewReconciler(resolver, log, s.metrics)
	dispatcherOpts := []worker.Option{
		worker.WithLedger(s.ledger),
		worker.WithLogger(log),
		worker.WithMetrics(s.metrics),
	}
	if s.sleep != nil {
		dispatcherOpts = append(dispatcherOpts, worker.WithSleeper(s.sleep))
	}
	dispatcher := worker.NewDispatcher(s.backend, resolver, worker.DispatcherConfig{
		Concurrency: s.cfg.Concurrency,
		CallTimeout: s.cfg.CallTimeout,
		Retry:       s.cfg.Retry,
		Force:       s.cfg.Force,
	}, dispatcherOpts...)

	var runErr error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w after %d of %d batches: %v", ErrInterrupted, i, len(batches), err)
			summary.Warnings = append(summary.Warnings, runErr.Error())
			log.Warn("run interrupted", "completed_batches", i, "total_batches", len(batches))
			break
		}

		batchStart := time.Now()
		res, err := dispatcher.RunBatch(ctx, batch)
		if err != nil {
			runErr = fmt.Errorf("batch %d: %w", i+1, err)
			break
		}
		tally := reconciler.Apply(res.Outcomes)

		s.mu.Lock()
		s.counters.ProcessedOK += tally.OK
		s.counters.ProcessedError += tally.Failed
		s.counters.Skipped += len(res.Skipped)
		s.batches++
		s.failures = append(s.failures, tally.Failures...)
		s.mu.Unlock()
		s.metrics.RecordBatch()

		log.Info("batch finished",
			"batch", i+1,
			"size", len(batch),
			"ok", tally.OK,
			"failed", tally.Failed,
			"skipped", len(res.Skipped),
			"duration", time.Since(batchStart))
		if tally.WriteFailures > 0 {
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("batch %d: %d artifact(s) could not be written", i+1, tally.WriteFailures))
		}
	}

	s.mu.Lock()
	summary.Counters = s.counters
	summary.Batches = s.batches
	s.mu.Unlock()
	summary.Duration = time.Since(start)

	log.Info("run finished",
		"processed_ok", summary.Counters.ProcessedOK,
		"processed_error", summary.Counters.ProcessedError,
		"skipped", summary.Counters.Skipped,
		"duration", summary.Duration)
	return summary, runErr
}

func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.runID = uuid.NewString()
	s.counters = types.RunCounters{}
	s.batches = 0
	s.failures = nil
	s.ledger = ledger.New()
	return nil
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Snapshot returns the counters of the current or last run.
func (s *Scheduler) Snapshot() types.RunCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Failures returns the inputs that ended in an error artifact, in batch order.
func (s *Scheduler) Failures() []artifact.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]artifact.Failure(nil), s.failures...)
}

// Ledger returns the per-document state of the current or last run.
func (s *Scheduler) Ledger() *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

func absRoots(inputRoot, outputRoot string) (string, string, error) {
	in, err := filepath.Abs(inputRoot)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInputRoot, err)
	}
	info, err := os.Stat(in)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInputRoot, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%w: %s is not a directory", ErrInputRoot, in)
	}

	if outputRoot == "" {
		return in, "", nil
	}
	out, err := filepath.Abs(outputRoot)
	if err != nil {
		return "", "", fmt.Errorf("invalid output root: %w", err)
	}
	return in, out, nil
}

// Discover walks root and returns the files eligible for service in lexical
// order. Artifacts written by earlier runs are never treated as inputs: the
// output root is skipped when it lies inside root, and beside-the-input
// artifacts are recognised by name. Unreadable entries below root are skipped
// and reported as warnings; only an unreadable root is an error. Symlinked
// files are followed, symlinked directories are not.
func Discover(root, outputRoot string, service types.Service) ([]string, []string, error) {
	root = filepath.Clean(root)
	nestedOutput := ""
	if outputRoot != "" {
		out := filepath.Clean(outputRoot)
		if out != root && within(out, root) {
			nestedOutput = out
		}
	}

	var paths, warnings []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			warnings = append(warnings, fmt.Sprintf("skipped unreadable %s: %v", path, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == nestedOutput {
				return fs.SkipDir
			}
			return nil
		}
		if !service.Accepts(path) || isArtifact(path, service) {
			return nil
		}

		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("skipped broken link %s: %v", path, err))
				return nil
			}
			mode = info.Mode()
		}
		if mode.IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk input root: %w", err)
	}
	sort.Strings(paths)
	return paths, warnings, nil
}

// errorArtifact matches <stem>_<status>.txt as written by the reconciler.
var errorArtifact = regexp.MustCompile(`^(.+)_(-1|[1-5][0-9]{2})\.txt$`)

// isArtifact reports whether path is a success artifact, or an error
// artifact whose source input still sits beside it.
func isArtifact(path string, service types.Service) bool {
	if strings.HasSuffix(path, service.ResultSuffix()) {
		return true
	}
	m := errorArtifact.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return false
	}
	dir := filepath.Dir(path)
	for _, ext := range service.InputExtensions() {
		if _, err := os.Stat(filepath.Join(dir, m[1]+ext)); err == nil {
			return true
		}
	}
	return false
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Partition cuts jobs into consecutive batches of at most size jobs.
func Partition(jobs []types.Job, size int) [][]types.Job {
	if size < 1 {
		size = 1
	}
	batches := make([][]types.Job, 0, (len(jobs)+size-1)/size)
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		batches = append(batches, jobs[start:end])
	}
	return batches
}
