package artifact

import (
	"log/slog"
	"os"

	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

// Failure records one input that ended in an error artifact.
type Failure struct {
	Input      string `json:"input"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// Tally is the reconciliation result of one batch.
type Tally struct {
	OK            int
	Failed        int
	WriteFailures int
	Failures      []Failure
}

// Reconciler writes artifacts for outcomes and counts them.
type Reconciler struct {
	resolver  Resolver
	logger    *slog.Logger
	metrics   *metrics.Collector
	writeFile func(path string, data []byte, perm os.FileMode) error
}

func NewReconciler(resolver Resolver, logger *slog.Logger, m *metrics.Collector) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		resolver:  resolver,
		logger:    logger,
		metrics:   m,
		writeFile: WriteFileAtomic,
	}
}

// Apply writes one artifact per outcome. A write failure is logged and the
// outcome still counts under its own bucket.
func (r *Reconciler) Apply(outcomes []types.Outcome) Tally {
	var t Tally
	for _, o := range outcomes {
		if o.Succeeded() {
			t.OK++
			r.metrics.RecordSucceeded()
			path := r.resolver.Resolve(o.InputPath)
			if err := r.writeFile(path, []byte(o.Body), 0644); err != nil {
				t.WriteFailures++
				r.metrics.RecordWriteFailure()
				r.logger.Error("writing TEI artifact failed", "input", o.InputPath, "output", path, "error", err)
			}
			continue
		}

		t.Failed++
		t.Failures = append(t.Failures, Failure{Input: o.InputPath, StatusCode: o.StatusCode, Error: o.Err})
		r.metrics.RecordFailed(o.StatusCode)

		path := r.resolver.ErrorPath(o.InputPath, o.StatusCode)
		r.logger.Error("processing failed",
			"input", o.InputPath,
			"status", o.Status,
			"status_code", o.StatusCode,
			"attempts", o.Attempts,
			"error", o.Err,
			"error_artifact", path)

		if err := r.writeFile(path, []byte(o.Body), 0644); err != nil {
			t.WriteFailures++
			r.metrics.RecordWriteFailure()
			r.logger.Error("writing error artifact failed", "input", o.InputPath, "output", path, "error", err)
		}
	}
	return t
}
