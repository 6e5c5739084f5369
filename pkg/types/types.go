// Package types defines the core domain model shared by the grobid-batch engine:
// services, jobs, outcomes and run counters.
package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Service is a GROBID REST operation.
type Service string

const (
	ServiceFulltextBlank      Service = "processFulltextDocumentBlank"
	ServiceFulltext           Service = "processFulltextDocument"
	ServiceHeader             Service = "processHeaderDocument"
	ServiceReferences         Service = "processReferences"
	ServiceCitationList       Service = "processCitationList"
	ServiceCitationPatentST36 Service = "processCitationPatentST36"
	ServiceCitationPatentPDF  Service = "processCitationPatentPDF"
)

// ResultSuffix is appended to the input stem of every success artifact.
const ResultSuffix = ".grobid.tei.xml"

var (
	ErrUnknownService = errors.New("unknown service")
	ErrRelativePath   = errors.New("input path must be absolute")
	ErrInvalidOptions = errors.New("invalid processing options")
)

// Services lists every supported service in a stable order.
func Services() []Service {
	return []Service{
		ServiceFulltextBlank,
		ServiceFulltext,
		ServiceHeader,
		ServiceReferences,
		ServiceCitationList,
		ServiceCitationPatentST36,
		ServiceCitationPatentPDF,
	}
}

// ParseService validates a service name.
func ParseService(name string) (Service, error) {
	for _, s := range Services() {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, name)
}

// InputExtensions returns the lowercased file extensions a service accepts.
func (s Service) InputExtensions() []string {
	switch s {
	case ServiceCitationList:
		return []string{".txt"}
	case ServiceCitationPatentST36:
		return []string{".xml"}
	default:
		return []string{".pdf"}
	}
}

// Accepts reports whether path has an extension eligible for the service.
func (s Service) Accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.InputExtensions() {
		if ext == e {
			return true
		}
	}
	return false
}

// ResultSuffix is the success artifact suffix for the service.
func (s Service) ResultSuffix() string {
	return ResultSuffix
}

// Options enumerates every processing flag understood by the backend.
type Options struct {
	GenerateIDs            bool
	ConsolidateHeader      bool
	ConsolidateCitations   bool
	IncludeRawCitations    bool
	IncludeRawAffiliations bool
	TEICoordinates         bool
	SegmentSentences       bool
	Flavor                 string

	// Coordinates lists the TEI elements that get PDF coordinates when TEICoordinates is set.
	Coordinates []string

	// Start and End restrict processing to a page range; values <= 0 are ignored.
	Start int
	End   int
}

// Validate checks option consistency.
func (o Options) Validate() error {
	if o.Start < 0 || o.End < 0 {
		return fmt.Errorf("%w: negative page bound", ErrInvalidOptions)
	}
	if o.Start > 0 && o.End > 0 && o.End < o.Start {
		return fmt.Errorf("%w: end page %d before start page %d", ErrInvalidOptions, o.End, o.Start)
	}
	if o.TEICoordinates && len(o.Coordinates) == 0 {
		return fmt.Errorf("%w: tei coordinates requested without coordinate elements", ErrInvalidOptions)
	}
	if strings.ContainsAny(o.Flavor, " \t\r\n") {
		return fmt.Errorf("%w: flavor %q", ErrInvalidOptions, o.Flavor)
	}
	return nil
}

// Job is one input document plus the options for one invocation. Never mutated after NewJob.
type Job struct {
	InputPath string
	Service   Service
	Options   Options
}

// NewJob validates its arguments once and returns an immutable Job.
func NewJob(inputPath string, service Service, opts Options) (Job, error) {
	if !filepath.IsAbs(inputPath) {
		return Job{}, fmt.Errorf("%w: %s", ErrRelativePath, inputPath)
	}
	if _, err := ParseService(string(service)); err != nil {
		return Job{}, err
	}
	if err := opts.Validate(); err != nil {
		return Job{}, err
	}
	opts.Coordinates = append([]string(nil), opts.Coordinates...)
	return Job{InputPath: inputPath, Service: service, Options: opts}, nil
}

// Status classifies an Outcome.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusBusy           Status = "busy"
	StatusTransportError Status = "transport_error"
	StatusPermanentError Status = "permanent_error"
)

// Synthetic status codes for failures that never produced an HTTP response.
const (
	CodeTransportFailure = -1
	CodeTimeout          = 408
	CodeBusy             = 503
)

// Outcome is the terminal result of executing one Job.
type Outcome struct {
	InputPath  string
	Status     Status
	StatusCode int
	Body       string
	Attempts   int
	Err        string
}

// Succeeded reports whether the outcome should produce a success artifact.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess && o.StatusCode == 200 && o.Body != ""
}

// JobState is a node of the per-job state machine.
type JobState string

const (
	StatePending        JobState = "pending"
	StateInFlight       JobState = "in_flight"
	StateSucceeded      JobState = "succeeded"
	StateTransportError JobState = "transport_error"
	StatePermanentError JobState = "permanent_error"
	StateSkipped        JobState = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateTransportError, StatePermanentError, StateSkipped:
		return true
	}
	return false
}

// RunCounters accumulates per-run totals.
type RunCounters struct {
	TotalDiscovered int `json:"total_discovered"`
	ProcessedOK     int `json:"processed_ok"`
	ProcessedError  int `json:"processed_error"`
	Skipped         int `json:"skipped"`
}

// Accounted reports whether every discovered job is reflected in a bucket.
func (c RunCounters) Accounted() bool {
	return c.ProcessedOK+c.ProcessedError+c.Skipped == c.TotalDiscovered
}

// RunSummary is what a finished run hands back to its caller.
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Counters RunCounters   `json:"counters"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
	Warnings []string      `json:"warnings,omitempty"`
}
