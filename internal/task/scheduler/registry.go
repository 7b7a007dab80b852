package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// registry owns id -> job. It is the only place job bookkeeping is written.
type registry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// entry keeps the job itself private; callers only ever see copies of def.
type entry struct {
	def  JobDefinition
	job  Job
	gate *runGate
}

func newRegistry(clock clockwork.Clock) *registry {
	return &registry{clock: clock, entries: map[string]*entry{}}
}

func (r *registry) register(job Job, every time.Duration, name string, args Args, opt TaskOptions) (string, error) {
	if job == nil {
		return "", fmt.Errorf("%w: job is nil", ErrInvalidConfiguration)
	}
	if every <= 0 {
		return "", fmt.Errorf("%w: interval must be > 0, got %s", ErrInvalidConfiguration, every)
	}
	if opt.Timeout < 0 {
		return "", fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfiguration, opt.Timeout)
	}

	id := uuid.NewString()
	e := &entry{
		def: JobDefinition{
			ID:       id,
			Name:     strings.TrimSpace(name),
			Interval: every,
			Timeout:  opt.Timeout,
			Args:     args.clone(),
			NextRun:  r.clock.Now(),
		},
		job:  job,
		gate: newRunGate(),
	}

	r.mu.Lock()
	r.entries[id] = e
	r.order = append(r.order, id)
	r.mu.Unlock()
	return id, nil
}

func (r *registry) unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// dueJobs returns, in registration order, every job with nextRun <= now.
func (r *registry) dueJobs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if e := r.entries[id]; !e.def.NextRun.After(now) {
			out = append(out, id)
		}
	}
	return out
}

func (r *registry) get(id string) (JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return JobDefinition{}, false
	}
	return copyDef(e.def), true
}

// lookup returns a copy of the definition together with the job and its run gate.
func (r *registry) lookup(id string) (JobDefinition, Job, *runGate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return JobDefinition{}, nil, nil, false
	}
	return copyDef(e.def), e.job, e.gate, true
}

// markRun records a completed run. Unknown ids are ignored: the job was
// removed while it was running.
func (r *registry) markRun(id string, completedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.def.LastRun = completedAt
	e.def.NextRun = completedAt.Add(e.def.Interval)
}

func (r *registry) list() []JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyDef(r.entries[id].def))
	}
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func copyDef(d JobDefinition) JobDefinition {
	d.Args = d.Args.clone()
	return d
}

// runGate keeps runs of one job from overlapping.
type runGate struct {
	ch chan struct{}
}

func newRunGate() *runGate { return &runGate{ch: make(chan struct{}, 1)} }

func (g *runGate) tryAcquire() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *runGate) acquire(done <-chan struct{}) bool {
	select {
	case g.ch <- struct{}{}:
		return true
	case <-done:
		return false
	}
}

func (g *runGate) release() { <-g.ch }

func (g *runGate) busy() bool { return len(g.ch) > 0 }
