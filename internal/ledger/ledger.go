// ============================================================================
// grobid-batch Ledger - per-document state machine
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
//
// State transitions:
//   Pending
//      ├─ MarkSkipped()   → Skipped           (success artifact already present)
//      ├─ Finish()        → TransportError    (busy wait abandoned on cancel)
//      └─ MarkInFlight()  → InFlight          (attempts++)
//                             ├─ RecordBusy() → Pending (waits for the retry)
//                             └─ Finish()     → Succeeded | TransportError | PermanentError
//
// Terminal states accept no further transition. A document whose busy retries
// were exhausted finishes as TransportError with status code 503.
//
// Concurrency:
//   - sync.RWMutex guards every map
//   - reads (State, Counts, Failed) take RLock
//
// The ledger lives for one run and is keyed by input path.
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

var (
	ErrDuplicateJob      = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var transitions = map[types.JobState][]types.JobState{
	types.StatePending:  {types.StateInFlight, types.StateSkipped, types.StateTransportError},
	types.StateInFlight: {types.StatePending, types.StateSucceeded, types.StateTransportError, types.StatePermanentError},
}

// Entry is the ledger's view of one document.
type Entry struct {
	InputPath  string
	State      types.JobState
	Attempts   int
	StatusCode int
	UpdatedAt  time.Time
}

// Ledger tracks every job of a run through its state machine.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

// Add registers a job as pending.
func (l *Ledger) Add(inputPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[inputPath]; exists {
		return ErrDuplicateJob
	}
	l.entries[inputPath] = &Entry{
		InputPath: inputPath,
		State:     types.StatePending,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (l *Ledger) MarkSkipped(inputPath string) error {
	return l.transition(inputPath, types.StateSkipped, nil)
}

// MarkInFlight moves a pending job into execution and counts the attempt.
func (l *Ledger) MarkInFlight(inputPath string) error {
	return l.transition(inputPath, types.StateInFlight, func(e *Entry) { e.Attempts++ })
}

// RecordBusy returns an in-flight job that was answered busy to pending until
// it is re-issued.
func (l *Ledger) RecordBusy(inputPath string) error {
	return l.transition(inputPath, types.StatePending, func(e *Entry) { e.StatusCode = types.CodeBusy })
}

// Finish moves an in-flight job to the terminal state matching its outcome.
func (l *Ledger) Finish(inputPath string, outcome types.Outcome) error {
	return l.transition(inputPath, TerminalState(outcome), func(e *Entry) {
		e.StatusCode = outcome.StatusCode
	})
}

// TerminalState maps an outcome onto the state machine.
func TerminalState(o types.Outcome) types.JobState {
	switch {
	case o.Succeeded():
		return types.StateSucceeded
	case o.Status == types.StatusTransportError, o.Status == types.StatusBusy:
		return types.StateTransportError
	default:
		return types.StatePermanentError
	}
}

func (l *Ledger) transition(inputPath string, to types.JobState, update func(*Entry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[inputPath]
	if !ok {
		return ErrJobNotFound
	}
	if !allowed(e.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}
	e.State = to
	e.UpdatedAt = time.Now()
	if update != nil {
		update(e)
	}
	return nil
}

func allowed(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Get returns a copy of the entry for inputPath.
func (l *Ledger) Get(inputPath string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[inputPath]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Counts returns the number of jobs in each state.
func (l *Ledger) Counts() map[types.JobState]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[types.JobState]int)
	for _, e := range l.entries {
		counts[e.State]++
	}
	return counts
}

// Failed returns the failed entries sorted by input path.
func (l *Ledger) Failed() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var failed []Entry
	for _, e := range l.entries {
		if e.State == types.StateTransportError || e.State == types.StatePermanentError {
			failed = append(failed, *e)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].InputPath < failed[j].InputPath })
	return failed
}

// Len returns the number of tracked jobs.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
