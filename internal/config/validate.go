package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{"": true, "none": true, "file": true, "sqlite": true, "postgres": true}

// Validate checks every field that would otherwise fail later at wiring time.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	interval := func(path, raw string) {
		_, err := ParseIntervalOrDefault(path, raw, 0)
		check(err)
	}

	dur("scheduler.tick", c.Scheduler.Tick)
	dur("scheduler.stop_timeout", c.Scheduler.StopTimeout)
	dur("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	if c.Scheduler.HistorySize < 0 {
		check(fmt.Errorf("scheduler.history_size: must be >= 0"))
	}

	if s := c.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if !knownDrivers[driver] {
			check(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if driver == "postgres" && strings.TrimSpace(s.DSN) == "" {
			check(fmt.Errorf("storage.dsn: required for postgres"))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("admin.read_timeout", c.Admin.ReadTimeout)
	dur("admin.write_timeout", c.Admin.WriteTimeout)
	dur("admin.idle_timeout", c.Admin.IdleTimeout)

	if c.Logging.Alerts.Enabled && c.Telegram.ChatID == 0 {
		check(fmt.Errorf("telegram.chat_id: required when logging.alerts.enabled"))
	}

	interval("jobs.inbox_poll.interval", c.Jobs.InboxPoll.Interval)
	dur("jobs.inbox_poll.timeout", c.Jobs.InboxPoll.Timeout)
	if c.Jobs.InboxPoll.Limit < 0 {
		check(fmt.Errorf("jobs.inbox_poll.limit: must be >= 0"))
	}
	interval("jobs.history_prune.interval", c.Jobs.HistoryPrune.Interval)
	dur("jobs.history_prune.keep", c.Jobs.HistoryPrune.Keep)
	dur("jobs.history_prune.timeout", c.Jobs.HistoryPrune.Timeout)

	return errors.Join(errs...)
}
