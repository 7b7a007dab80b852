package scheduler

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Config controls the scheduler loop and run bookkeeping.
type Config struct {
	// Tick is the polling quantum between registry scans. Default 60s.
	Tick time.Duration
	// DefaultTimeout bounds a run when the job has no timeout of its own. 0 means none.
	DefaultTimeout time.Duration
	// HistorySize caps the in-memory run history. Default 200.
	HistorySize int
}

const (
	defaultTick        = 60 * time.Second
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Args are the positional and named values replayed on every run of a job.
type Args struct {
	Positional []any
	Named      map[string]any
}

// clone returns a snapshot that shares no slice or map with a.
func (a Args) clone() Args {
	return Args{
		Positional: slices.Clone(a.Positional),
		Named:      maps.Clone(a.Named),
	}
}

// Job is the unit of work the scheduler runs. Implementations hold whatever
// state they need (database handles, API clients); the scheduler only invokes Run.
type Job interface {
	Run(ctx context.Context, args Args) (any, error)
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context, args Args) (any, error)

func (f JobFunc) Run(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

// TaskOptions tune a single registration.
type TaskOptions struct {
	// Timeout bounds each run. 0 falls back to Config.DefaultTimeout.
	Timeout time.Duration
}

// JobDefinition is a copy of one registry entry.
type JobDefinition struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Args     Args          `json:"-"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	NextRun  time.Time     `json:"next_run"`
}

// Trigger tells how a run was started.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Outcome describes one finished run.
type Outcome struct {
	JobID    string
	Name     string
	Trigger  Trigger
	Result   any
	Err      error
	Started  time.Time
	Finished time.Time
}

func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// HistoryItem is the in-memory record of a run.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventJobStarted  = "job.started"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
	EventJobSkipped  = "job.skipped"
)

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
