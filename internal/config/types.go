package config

// Config is the root of invoiced's config file (JSON or YAML).
//
// Unknown keys are rejected. Durations are Go duration strings ("10s", "1m").
// Job intervals additionally accept "HH:MM" and "@every <duration>".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Jobs      JobsConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ log lines to the telegram chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is the operator chat used for alerts. The token is never logged.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// SchedulerConfig controls the periodic job scheduler.
//
// Defaults:
//   - tick: "60s"
//   - stop_timeout: "10s"
//   - default_timeout: "0s" (no timeout)
//   - history_size: 200
type SchedulerConfig struct {
	Tick           string `json:"tick,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects where run history and invoice records go.
// Schedule state is never stored.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./invoiced.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AdminConfig controls the operator HTTP endpoint.
//
// Bind to loopback, or set a token. Non-loopback without a token requires allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type JobsConfig struct {
	InboxPoll    InboxPollConfig    `json:"inbox_poll"`
	HistoryPrune HistoryPruneConfig `json:"history_prune"`
}

// InboxPollConfig turns mail dropped into a spool directory into invoice records.
//
// EMAIL_POLLING_ENABLED and EMAIL_POLLING_INTERVAL_MINUTES override enabled/interval.
type InboxPollConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default: "60m"
	Spool    string `json:"spool,omitempty"`    // default: "./spool"
	Limit    int    `json:"limit,omitempty"`    // default: 20
	Timeout  string `json:"timeout,omitempty"`
}

type HistoryPruneConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default: "24h"
	Keep     string `json:"keep,omitempty"`     // default: "720h"
	Timeout  string `json:"timeout,omitempty"`
}
