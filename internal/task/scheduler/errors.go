package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned synchronously by AddTask; the job never enters the registry.
	ErrInvalidConfiguration = errors.New("scheduler: invalid configuration")
	// ErrUnknownJob marks a removed or never-registered id. Public operations
	// report it as ok=false, never as a returned error.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrJobPanicked wraps a panic recovered from a job.
	ErrJobPanicked = errors.New("scheduler: job panicked")
)

// JobExecutionError is a contained job failure. It reaches logs, events and
// Outcome.Err, never the loop.
type JobExecutionError struct {
	JobID string
	Name  string
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) failed: %v", e.Name, e.JobID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
