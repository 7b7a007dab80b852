package scheduler

import (
	"time"

	rtsup "invoiced/internal/runtime/supervisor"
)

// JobInfo is the observable state of one registered job.
type JobInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	NextRun  time.Time     `json:"next_run"`
	Busy     bool          `json:"busy"`
}

type Snapshot struct {
	Running        bool           `json:"running"`
	Tick           time.Duration  `json:"tick"`
	DefaultTimeout time.Duration  `json:"default_timeout,omitempty"`
	InFlight       int            `json:"in_flight"`
	Jobs           []JobInfo      `json:"jobs"`
	History        []HistoryItem  `json:"history"`
	Supervisor     rtsup.Snapshot `json:"supervisor"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Running:        sup != nil,
		Tick:           s.cfg.Tick,
		DefaultTimeout: s.cfg.DefaultTimeout,
		InFlight:       s.running.count(),
		Supervisor:     sup.Snapshot(),
	}

	s.reg.mu.RLock()
	snap.Jobs = make([]JobInfo, 0, len(s.reg.order))
	for _, id := range s.reg.order {
		e := s.reg.entries[id]
		info := JobInfo{
			ID:       e.def.ID,
			Name:     e.def.Name,
			Interval: e.def.Interval,
			Timeout:  e.def.Timeout,
			NextRun:  e.def.NextRun,
			Busy:     e.gate.busy(),
		}
		if !e.def.LastRun.IsZero() {
			last := e.def.LastRun
			info.LastRun = &last
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.reg.mu.RUnlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
