package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"invoiced/internal/eventbus"
	rtsup "invoiced/internal/runtime/supervisor"
	logx "invoiced/pkg/logx"
)

// Service is the periodic job scheduler owned by the host application.
// All methods are safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	sup *rtsup.Supervisor // nil while stopped

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	reg     *registry
	running inflight

	hmu     sync.Mutex
	history []HistoryItem

	failMu     sync.Mutex
	failLimits map[string]*rate.Limiter
}

type Option func(*Service)

// WithClock replaces the wall clock, typically with clockwork.NewFakeClock in tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		clock:      clockwork.NewRealClock(),
		failLimits: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	s.reg = newRegistry(s.clock)
	return s
}

// AddTask registers job to run every interval, starting on the next tick.
// A non-positive interval fails with ErrInvalidConfiguration.
func (s *Service) AddTask(job Job, every time.Duration, name string, args Args) (string, error) {
	return s.AddTaskOpt(job, every, name, args, TaskOptions{})
}

func (s *Service) AddTaskOpt(job Job, every time.Duration, name string, args Args, opt TaskOptions) (string, error) {
	id, err := s.reg.register(job, every, name, args, opt)
	if err != nil {
		return "", err
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("id", id), logx.Duration("interval", every))
	return id, nil
}

// RemoveTask drops a job. Unknown ids are a no-op and report false.
// A run already in flight finishes; its bookkeeping is discarded.
func (s *Service) RemoveTask(id string) bool {
	if !s.reg.unregister(id) {
		return false
	}
	s.forgetFailures(id)
	s.log.Debug("job removed", logx.String("id", id))
	return true
}

// RunNow executes a job immediately, regardless of its schedule, and resets
// its next run to completion + interval. ok is false for unknown ids.
// Job failures are reported in Outcome.Err.
func (s *Service) RunNow(ctx context.Context, id string) (Outcome, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.runNow(ctx, id)
}

func (s *Service) Get(id string) (JobDefinition, bool) { return s.reg.get(id) }

// DueJobs lists, in registration order, the ids eligible for dispatch at now.
func (s *Service) DueJobs(now time.Time) []string { return s.reg.dueJobs(now) }

func (s *Service) Jobs() []JobDefinition { return s.reg.list() }

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start begins ticking. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("scheduler.loop", s.loop)
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick), logx.Int("jobs", s.reg.size()))
}

// Stop cancels the loop and waits for it, bounded by ctx. Runs already in
// flight are not aborted; use Wait to drain them. Stop is a no-op when stopped.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err), logx.Int("in_flight", s.running.count()))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("in_flight", s.running.count()))
	return nil
}

// Wait blocks until no dispatched run is in flight or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	return s.running.wait(ctx)
}
