// ============================================================================
// grobid-batch Run Report - persisted summary of the last run
// ============================================================================
//
// Package: internal/report
// File: report.go
//
// Atomic write:
//   1. marshal to indented JSON
//   2. write <path>.tmp-* in the same directory
//   3. os.Rename over the previous report
//
// Load rejects corrupted files and unknown schema versions.
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/artifact"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

const SchemaVersion = 1

var (
	ErrNoReport            = errors.New("no run report")
	ErrCorruptedReport     = errors.New("corrupted run report")
	ErrIncompatibleVersion = errors.New("incompatible report schema version")
)

// Report is the JSON document written after every run.
type Report struct {
	SchemaVer  int                `json:"schema_version"`
	RunID      string             `json:"run_id"`
	Service    types.Service      `json:"service"`
	InputRoot  string             `json:"input_root"`
	OutputRoot string             `json:"output_root,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   string             `json:"duration"`
	Counters   types.RunCounters  `json:"counters"`
	Batches    int                `json:"batches"`
	Failed     []artifact.Failure `json:"failed,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// New builds a report from a finished run.
func New(summary types.RunSummary, service types.Service, inputRoot, outputRoot string, startedAt time.Time, failed []artifact.Failure) Report {
	return Report{
		SchemaVer:  SchemaVersion,
		RunID:      summary.RunID,
		Service:    service,
		InputRoot:  inputRoot,
		OutputRoot: outputRoot,
		StartedAt:  startedAt.UTC(),
		Duration:   summary.Duration.Round(time.Millisecond).String(),
		Counters:   summary.Counters,
		Batches:    summary.Batches,
		Failed:     failed,
		Warnings:   summary.Warnings,
	}
}

// Manager reads and writes the report file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the report atomically.
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = SchemaVersion
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := artifact.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Load reads the last report. A missing file yields ErrNoReport.
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, ErrNoReport
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether a report file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string {
	return m.path
}
