package worker

import (
	"time"

	"github.com/ChuLiYu/grobid-batch/pkg/types"
)

// Task is one job handed to the pool.
type Task struct {
	Index   int           // position in the batch, used to restore order
	Job     types.Job     // document to process
	Timeout time.Duration // per-call timeout, zero disables it
}

// Result is the terminal outcome of a task.
type Result struct {
	Index    int
	Outcome  types.Outcome
	Duration time.Duration // wall time including busy retries
}
