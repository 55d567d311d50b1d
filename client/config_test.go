package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaynet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
token: "Bot abc"
request_timeout: 5s
ratelimiter_offset: 250ms
shard_count: 4
first_shard_id: 2
last_shard_id: 3
intents: 513
compress: true
log_level: debug
properties:
  os: linux
  browser: tester
  device: tester
presence:
  status: idle
  activities:
    - name: tests
      type: 0
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Token = "Bot abc"
	want.RequestTimeout = 5 * time.Second
	want.RatelimiterOffset = 250 * time.Millisecond
	want.ShardCount = 4
	want.FirstShardID = 2
	want.LastShardID = 3
	want.Intents = 513
	want.Compress = true
	want.LogLevel = "debug"
	want.Properties = IdentifyProperties{OS: "linux", Browser: "tester", Device: "tester"}
	want.Presence = &Presence{Status: "idle", Activities: []Activity{{Name: "tests"}}}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "token: x\n"))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, -1, cfg.LastShardID)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = LoadConfig(writeConfig(t, "token: [\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadConfig(writeConfig(t, "request_timeout: 5s\n"))
	assert.ErrorContains(t, err, relaynet.ErrTokenNotSpecified)
}

// TestConfigValidate tests the rejected field combinations
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with token", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Token = "" }, wantErr: relaynet.ErrTokenNotSpecified},
		{name: "negative timeout", mutate: func(c *Config) { c.RequestTimeout = -time.Second }, wantErr: "timeouts"},
		{name: "negative shards", mutate: func(c *Config) { c.ShardCount = -1 }, wantErr: "shard_count"},
		{name: "negative concurrency", mutate: func(c *Config) { c.Concurrency = -2 }, wantErr: "concurrency"},
		{name: "negative first", mutate: func(c *Config) { c.FirstShardID = -1 }, wantErr: "first_shard_id"},
		{name: "last below first", mutate: func(c *Config) { c.FirstShardID = 3; c.LastShardID = 1 }, wantErr: "below"},
		{name: "last out of range", mutate: func(c *Config) { c.ShardCount = 2; c.LastShardID = 2 }, wantErr: "out of range"},
		{name: "first out of range", mutate: func(c *Config) { c.ShardCount = 2; c.FirstShardID = 5 }, wantErr: "out of range"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "explicit range", mutate: func(c *Config) { c.ShardCount = 4; c.FirstShardID = 1; c.LastShardID = 2 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.Token = "Bot abc"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
