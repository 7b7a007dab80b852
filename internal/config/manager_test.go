package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 30s
  history_size: 50
storage:
  driver: sqlite
  path: ./invoiced.db
jobs:
  inbox_poll:
    enabled: true
    interval: "00:15"
    spool: ./spool
  history_prune:
    enabled: true
    interval: "@every 24h"
    keep: 720h
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "30s", cfg.Scheduler.Tick)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Jobs.InboxPoll.Enabled)
	assert.Equal(t, "00:15", cfg.Jobs.InboxPoll.Interval)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSONRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: `{"scheduler":{"tick":"5s","workers":3}}`},
		{name: "trailing data", body: `{"scheduler":{}}{"scheduler":{}}`},
		{name: "bad duration", body: `{"scheduler":{"tick":"soon"}}`},
		{name: "cron interval", body: `{"jobs":{"inbox_poll":{"enabled":true,"interval":"*/5 * * * *"}}}`},
		{name: "unknown driver", body: `{"storage":{"driver":"mongo"}}`},
		{name: "postgres without dsn", body: `{"storage":{"driver":"postgres"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), "config.json", tt.body)
			m := NewConfigManager(p)
			m.SetEnv(noEnv)
			_, err := m.Load()
			require.Error(t, err)
			assert.Nil(t, m.Get())
		})
	}
}

func TestEnvOverridesInboxPoll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		env         map[string]string
		wantEnabled bool
		wantEvery   string
		wantErr     bool
	}{
		{name: "no env keeps file", env: nil, wantEnabled: false, wantEvery: ""},
		{name: "enabled defaults to 60m", env: map[string]string{EnvEmailPollingEnabled: "true"}, wantEnabled: true, wantEvery: "60m"},
		{name: "custom minutes", env: map[string]string{EnvEmailPollingEnabled: "TRUE", EnvEmailPollingInterval: "15"}, wantEnabled: true, wantEvery: "15m"},
		{name: "one is not true", env: map[string]string{EnvEmailPollingEnabled: "1"}, wantEnabled: false, wantEvery: ""},
		{name: "other values disable", env: map[string]string{EnvEmailPollingEnabled: "yes please"}, wantEnabled: false, wantEvery: ""},
		{name: "zero minutes", env: map[string]string{EnvEmailPollingInterval: "0"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			err := ApplyEnv(cfg, envOf(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEnabled, cfg.Jobs.InboxPoll.Enabled)
			assert.Equal(t, tt.wantEvery, cfg.Jobs.InboxPoll.Interval)
		})
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Scheduler: SchedulerConfig{Tick: "1s"}}
	second := &Config{Scheduler: SchedulerConfig{Tick: "2s"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	assert.Same(t, second, got)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scheduler":{"tick":"5s"}}`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Scheduler.HistorySize == 13 {
			return assert.AnError
		}
		return nil
	})
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"scheduler":{"tick":"5s","history_size":13}}`)
	select {
	case cfg := <-updates:
		t.Fatalf("rejected config was published: %+v", cfg.Scheduler)
	case <-time.After(time.Second):
	}

	writeFile(t, dir, "config.json", `{"scheduler":{"tick":"10s"}}`)
	select {
	case cfg := <-updates:
		assert.Equal(t, "10s", cfg.Scheduler.Tick)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://a"}}
	newCfg := &Config{
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://b"},
		Admin:     AdminConfig{Enabled: true, Token: "secret"},
		Scheduler: SchedulerConfig{Tick: "10s"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"admin", "scheduler", "storage"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}
