// Package backend is the boundary to the remote document-analysis service.
package backend

import (
	"context"

	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

// Backend performs exactly one remote call for a Job.
//
// Implementations must return once ctx is done (with a transport-error Outcome),
// must report the remote busy signal as types.StatusBusy, and must not retry:
// retry policy belongs to the caller.
type Backend interface {
	Call(ctx context.Context, job types.Job) types.Outcome
}

// Func adapts an ordinary function to the Backend interface.
type Func func(ctx context.Context, job types.Job) types.Outcome

func (f Func) Call(ctx context.Context, job types.Job) types.Outcome {
	return f(ctx, job)
}
