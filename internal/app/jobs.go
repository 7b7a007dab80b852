package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"invoiced/internal/config"
	"invoiced/internal/jobs"
	"invoiced/internal/storage"
	"invoiced/internal/task/scheduler"
	logx "invoiced/pkg/logx"
)

const (
	JobInboxPoll    = "inbox-poll"
	JobHistoryPrune = "history-prune"

	defaultInboxPollInterval    = 60 * time.Minute
	defaultInboxSpool           = "./spool"
	defaultHistoryPruneInterval = 24 * time.Hour
	defaultHistoryKeep          = 30 * 24 * time.Hour
)

// jobSpec is one job the config asks for. key changes whenever the
// registration must be replaced.
type jobSpec struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	args     scheduler.Args
	job      scheduler.Job
	key      string
}

type registeredJob struct {
	id  string
	key string
}

// desiredJobs turns the jobs section into specs. Jobs that need storage are
// skipped with a warning when storage is off.
func desiredJobs(cfg *config.Config, store storage.Store, clock clockwork.Clock, log logx.Logger) ([]jobSpec, error) {
	var out []jobSpec

	if ic := cfg.Jobs.InboxPoll; ic.Enabled {
		every, err := config.ParseIntervalOrDefault("jobs.inbox_poll.interval", ic.Interval, defaultInboxPollInterval)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField("jobs.inbox_poll.timeout", ic.Timeout)
		if err != nil {
			return nil, err
		}
		spool := strings.TrimSpace(ic.Spool)
		if spool == "" {
			spool = defaultInboxSpool
		}
		limit := ic.Limit
		if limit <= 0 {
			limit = jobs.DefaultPollLimit
		}
		if store == nil {
			log.Warn("inbox poll enabled but storage is disabled; job not registered")
		} else {
			out = append(out, jobSpec{
				name:     JobInboxPoll,
				interval: every,
				timeout:  timeout,
				args:     scheduler.Args{Named: map[string]any{"limit": limit}},
				job: &jobs.InboxPoll{
					Spool: spool,
					Limit: limit,
					Store: store,
					Clock: clock,
					Log:   log.With(logx.String("job", JobInboxPoll)),
				},
				key: fmt.Sprintf("%s|%s|%s|%d", every, timeout, spool, limit),
			})
		}
	}

	if pc := cfg.Jobs.HistoryPrune; pc.Enabled {
		every, err := config.ParseIntervalOrDefault("jobs.history_prune.interval", pc.Interval, defaultHistoryPruneInterval)
		if err != nil {
			return nil, err
		}
		keep, err := config.ParseDurationOrDefault("jobs.history_prune.keep", pc.Keep, defaultHistoryKeep)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField("jobs.history_prune.timeout", pc.Timeout)
		if err != nil {
			return nil, err
		}
		if store == nil {
			log.Warn("history prune enabled but storage is disabled; job not registered")
		} else {
			out = append(out, jobSpec{
				name:     JobHistoryPrune,
				interval: every,
				timeout:  timeout,
				job: &jobs.HistoryPrune{
					Store: store,
					Keep:  keep,
					Clock: clock,
					Log:   log.With(logx.String("job", JobHistoryPrune)),
				},
				key: fmt.Sprintf("%s|%s|%s", every, timeout, keep),
			})
		}
	}
	return out, nil
}

// reconcileJobs makes the scheduler's registrations match specs. A changed
// job is removed and re-added, so it runs again on the next tick.
func (a *App) reconcileJobs(specs []jobSpec) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	want := make(map[string]jobSpec, len(specs))
	for _, s := range specs {
		want[s.name] = s
	}

	for name, reg := range a.jobs {
		s, ok := want[name]
		if ok && s.key == reg.key {
			continue
		}
		a.sched.RemoveTask(reg.id)
		delete(a.jobs, name)
		if ok {
			a.log.Info("job changed; re-registering", logx.String("name", name))
		} else {
			a.log.Info("job removed", logx.String("name", name))
		}
	}

	for _, s := range specs {
		if _, ok := a.jobs[s.name]; ok {
			continue
		}
		id, err := a.sched.AddTaskOpt(s.job, s.interval, s.name, s.args, scheduler.TaskOptions{Timeout: s.timeout})
		if err != nil {
			a.log.Error("job registration failed", logx.String("name", s.name), logx.Err(err))
			continue
		}
		a.jobs[s.name] = registeredJob{id: id, key: s.key}
		a.log.Info("job registered",
			logx.String("name", s.name),
			logx.String("id", id),
			logx.Duration("interval", s.interval),
		)
	}
}

// JobID returns the scheduler id of a config-driven job.
func (a *App) JobID(name string) (string, bool) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	reg, ok := a.jobs[name]
	return reg.id, ok
}
