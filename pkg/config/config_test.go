package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "loom", cfg.AppName)
	assert.Equal(t, 100, cfg.MaxSessionsPerAgent)
	assert.Equal(t, "auto_cancel", cfg.ToolApproval.TimeoutPolicy)
	assert.Equal(t, 90*time.Second, cfg.ApprovalTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout())
	assert.Equal(t, time.Hour, cfg.RunnerIdleTimeout())
	assert.Equal(t, 2*time.Hour, cfg.AgentIdleTimeout())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().AppName, cfg.AppName)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name: custom
max_sessions_per_agent: 5
tool_approval:
  timeout_seconds: 12.5
  timeout_policy: auto_approve
idle:
  session_timeout_seconds: 300
server:
  addr: ":9999"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.AppName)
	assert.Equal(t, 5, cfg.MaxSessionsPerAgent)
	assert.Equal(t, "auto_approve", cfg.ToolApproval.TimeoutPolicy)
	assert.Equal(t, 12500*time.Millisecond, cfg.ApprovalTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTimeout())
	assert.Equal(t, ":9999", cfg.Server.Addr)

	// Unset keys keep their defaults.
	assert.Equal(t, "anonymous", cfg.DefaultUserID)
	assert.Equal(t, time.Hour, cfg.RunnerIdleTimeout())
}

func TestLoad_InvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tool_approval:
  timeout_policy: whenever
`), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_policy")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{name: "bad policy", mutate: func(c *Config) { c.ToolApproval.TimeoutPolicy = "nope" }, wantErr: true},
		{name: "zero max sessions", mutate: func(c *Config) { c.MaxSessionsPerAgent = 0 }, wantErr: true},
		{name: "zero approval timeout", mutate: func(c *Config) { c.ToolApproval.TimeoutSeconds = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
