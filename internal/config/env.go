package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvEmailPollingEnabled  = "EMAIL_POLLING_ENABLED"
	EnvEmailPollingInterval = "EMAIL_POLLING_INTERVAL_MINUTES"

	defaultInboxPollMinutes = 60
)

// ApplyEnv overlays environment overrides on cfg. lookup is os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	// Only "true" (any case) enables polling; any other value disables it.
	if raw, ok := lookup(EnvEmailPollingEnabled); ok && strings.TrimSpace(raw) != "" {
		cfg.Jobs.InboxPoll.Enabled = strings.EqualFold(strings.TrimSpace(raw), "true")
	}

	if raw, ok := lookup(EnvEmailPollingInterval); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: must be a positive number of minutes, got %q", EnvEmailPollingInterval, raw)
		}
		cfg.Jobs.InboxPoll.Interval = strconv.Itoa(n) + "m"
	}

	if cfg.Jobs.InboxPoll.Enabled && strings.TrimSpace(cfg.Jobs.InboxPoll.Interval) == "" {
		cfg.Jobs.InboxPoll.Interval = strconv.Itoa(defaultInboxPollMinutes) + "m"
	}
	return nil
}
