package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "invoiced/pkg/logx"
)

// One warn per job per window; the rest go to debug. Events and history are never throttled.
const failureWarnEvery = 5 * time.Second

func (s *Service) reportFailure(def JobDefinition, trigger Trigger, err error, dur time.Duration) {
	fields := []logx.Field{
		logx.String("job", def.Name),
		logx.String("id", def.ID),
		logx.String("trigger", string(trigger)),
		logx.Duration("dur", dur),
		logx.Err(err),
	}
	if s.failureLimiter(def.ID).Allow() {
		s.log.Warn("job.failed", fields...)
		return
	}
	s.log.Debug("job.failed (throttled)", fields...)
}

func (s *Service) failureLimiter(id string) *rate.Limiter {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	lim := s.failLimits[id]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(failureWarnEvery), 1)
		s.failLimits[id] = lim
	}
	return lim
}

func (s *Service) forgetFailures(id string) {
	s.failMu.Lock()
	delete(s.failLimits, id)
	s.failMu.Unlock()
}
