package scheduler

import (
	"context"

	logx "invoiced/pkg/logx"
)

// loop scans the registry once per tick and dispatches due jobs. The first
// scan happens immediately. It only reads the registry.
func (s *Service) loop(ctx context.Context) {
	// Runs outlive the loop: Stop cancels ticking, not work already started.
	runCtx := context.WithoutCancel(ctx)

	for {
		s.tick(ctx, runCtx)

		t := s.clock.NewTimer(s.cfg.Tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.Chan():
		}
	}
}

func (s *Service) tick(ctx, runCtx context.Context) {
	if ctx.Err() != nil {
		return
	}
	due := s.reg.dueJobs(s.clock.Now())
	if len(due) == 0 {
		return
	}
	s.log.Trace("tick", logx.Int("due", len(due)))
	for _, id := range due {
		s.dispatch(runCtx, id)
	}
}

func (s *Service) dispatch(ctx context.Context, id string) {
	s.running.add()
	go func() {
		defer s.running.done()
		s.runScheduled(ctx, id)
	}()
}
