package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"invoiced/internal/eventbus"
	logx "invoiced/pkg/logx"
)

const slowRunThreshold = 750 * time.Millisecond

// runScheduled is the loop's dispatch path. A removed job is ignored; a job
// whose previous run is still going is skipped for this tick.
func (s *Service) runScheduled(ctx context.Context, id string) {
	def, job, gate, ok := s.reg.lookup(id)
	if !ok {
		return
	}
	if !gate.tryAcquire() {
		now := s.clock.Now()
		s.log.Debug("job skipped: previous run still in flight", logx.String("job", def.Name), logx.String("id", id))
		s.publish(EventJobSkipped, now, JobEvent{ID: id, Name: def.Name, Trigger: TriggerSchedule, Started: now, Error: "overlap_skip"})
		return
	}
	defer gate.release()
	s.execute(ctx, def, job, TriggerSchedule)
}

// runNow runs a job immediately. It waits for an in-flight run of the same
// job to finish first, so runs never overlap.
func (s *Service) runNow(ctx context.Context, id string) (Outcome, bool) {
	_, _, gate, ok := s.reg.lookup(id)
	if !ok {
		return unknownOutcome(id), false
	}
	if !gate.acquire(ctx.Done()) {
		return Outcome{JobID: id, Trigger: TriggerManual, Err: ctx.Err()}, true
	}
	defer gate.release()

	// Re-read after waiting: the job may have been removed meanwhile.
	def, job, _, ok := s.reg.lookup(id)
	if !ok {
		return unknownOutcome(id), false
	}
	return s.execute(ctx, def, job, TriggerManual), true
}

func unknownOutcome(id string) Outcome {
	return Outcome{JobID: id, Trigger: TriggerManual, Err: ErrUnknownJob}
}

func (s *Service) execute(ctx context.Context, def JobDefinition, job Job, trigger Trigger) Outcome {
	started := s.clock.Now()
	s.log.Debug("job.started", logx.String("job", def.Name), logx.String("id", def.ID), logx.String("trigger", string(trigger)))
	s.publish(EventJobStarted, started, JobEvent{ID: def.ID, Name: def.Name, Trigger: trigger, Started: started})

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := s.invoke(runCtx, def, job)
	finished := s.clock.Now()
	s.reg.markRun(def.ID, finished)

	out := Outcome{JobID: def.ID, Name: def.Name, Trigger: trigger, Result: result, Started: started, Finished: finished}
	ev := JobEvent{ID: def.ID, Name: def.Name, Trigger: trigger, Started: started, Duration: out.Duration()}
	if err != nil {
		out.Err = &JobExecutionError{JobID: def.ID, Name: def.Name, Err: err}
		ev.Error = err.Error()
		s.reportFailure(def, trigger, out.Err, out.Duration())
		s.publish(EventJobFailed, finished, ev)
	} else {
		fields := []logx.Field{logx.String("job", def.Name), logx.String("id", def.ID), logx.String("trigger", string(trigger)), logx.Duration("dur", out.Duration())}
		if out.Duration() >= slowRunThreshold {
			s.log.Info("job.completed", fields...)
		} else {
			s.log.Debug("job.completed", fields...)
		}
		s.publish(EventJobFinished, finished, ev)
	}
	s.remember(HistoryItem{ID: def.ID, Name: def.Name, Trigger: trigger, Started: started, Duration: out.Duration(), Error: ev.Error})
	return out
}

// invoke calls the job with a private copy of its args and turns a panic into an error.
func (s *Service) invoke(ctx context.Context, def JobDefinition, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			s.log.Error("job.panic", logx.String("job", def.Name), logx.String("id", def.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return job.Run(ctx, def.Args.clone())
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) remember(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

// inflight counts dispatched runs so callers can wait for them to drain.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
