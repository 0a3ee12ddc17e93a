// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the runtime settings and their file loader.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/loom/pkg/observability"
)

// Config is the full runtime configuration.
type Config struct {
	AppName       string `koanf:"app_name" yaml:"app_name"`
	DefaultUserID string `koanf:"default_user_id" yaml:"default_user_id"`

	RunnerIDPrefix  string `koanf:"runner_id_prefix" yaml:"runner_id_prefix"`
	SessionIDPrefix string `koanf:"session_id_prefix" yaml:"session_id_prefix"`
	AgentIDPrefix   string `koanf:"agent_id_prefix" yaml:"agent_id_prefix"`

	MaxSessionsPerAgent int `koanf:"max_sessions_per_agent" yaml:"max_sessions_per_agent"`

	StreamBufferSize int    `koanf:"stream_buffer_size" yaml:"stream_buffer_size"`
	ChatLogDir       string `koanf:"chat_log_dir" yaml:"chat_log_dir"`

	ToolApproval ToolApprovalConfig         `koanf:"tool_approval" yaml:"tool_approval"`
	Idle         IdleConfig                 `koanf:"idle" yaml:"idle"`
	Server       ServerConfig               `koanf:"server" yaml:"server"`
	Logging      LoggingConfig              `koanf:"logging" yaml:"logging"`
	Tracing      observability.TracerConfig `koanf:"tracing" yaml:"tracing"`
}

// ToolApprovalConfig configures the approval broker.
type ToolApprovalConfig struct {
	TimeoutSeconds float64 `koanf:"timeout_seconds" yaml:"timeout_seconds"`

	// TimeoutPolicy: auto_approve | auto_cancel | manual.
	TimeoutPolicy string `koanf:"timeout_policy" yaml:"timeout_policy"`
}

// IdleConfig configures the idle sweeper.
type IdleConfig struct {
	SweepIntervalSeconds  float64 `koanf:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	SessionTimeoutSeconds float64 `koanf:"session_timeout_seconds" yaml:"session_timeout_seconds"`
	RunnerTimeoutSeconds  float64 `koanf:"runner_timeout_seconds" yaml:"runner_timeout_seconds"`
	AgentTimeoutSeconds   float64 `koanf:"agent_timeout_seconds" yaml:"agent_timeout_seconds"`
	TombstoneGraceSeconds float64 `koanf:"tombstone_grace_seconds" yaml:"tombstone_grace_seconds"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// LoggingConfig configures slog setup.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		AppName:             "loom",
		DefaultUserID:       "anonymous",
		RunnerIDPrefix:      "runner",
		SessionIDPrefix:     "engine_session",
		AgentIDPrefix:       "agent",
		MaxSessionsPerAgent: 100,
		StreamBufferSize:    64,
		ChatLogDir:          "chat_logs",
		ToolApproval: ToolApprovalConfig{
			TimeoutSeconds: 90,
			TimeoutPolicy:  "auto_cancel",
		},
		Idle: IdleConfig{
			SweepIntervalSeconds:  60,
			SessionTimeoutSeconds: 1800,
			RunnerTimeoutSeconds:  3600,
			AgentTimeoutSeconds:   7200,
			TombstoneGraceSeconds: 86400,
		},
		Server:  ServerConfig{Addr: ":8980"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.ToolApproval.TimeoutPolicy {
	case "auto_approve", "auto_cancel", "manual":
	default:
		return fmt.Errorf("tool_approval.timeout_policy must be auto_approve, auto_cancel, or manual; got %q",
			c.ToolApproval.TimeoutPolicy)
	}
	if c.MaxSessionsPerAgent <= 0 {
		return fmt.Errorf("max_sessions_per_agent must be positive; got %d", c.MaxSessionsPerAgent)
	}
	if c.ToolApproval.TimeoutSeconds <= 0 {
		return fmt.Errorf("tool_approval.timeout_seconds must be positive; got %v", c.ToolApproval.TimeoutSeconds)
	}
	return nil
}

// ApprovalTimeout returns the tool approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return secondsToDuration(c.ToolApproval.TimeoutSeconds)
}

// SweepInterval returns the idle sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return secondsToDuration(c.Idle.SweepIntervalSeconds)
}

// SessionIdleTimeout returns the chat session idle threshold.
func (c *Config) SessionIdleTimeout() time.Duration {
	return secondsToDuration(c.Idle.SessionTimeoutSeconds)
}

// RunnerIdleTimeout returns the runner idle threshold.
func (c *Config) RunnerIdleTimeout() time.Duration {
	return secondsToDuration(c.Idle.RunnerTimeoutSeconds)
}

// AgentIdleTimeout returns the agent idle threshold.
func (c *Config) AgentIdleTimeout() time.Duration {
	return secondsToDuration(c.Idle.AgentTimeoutSeconds)
}

// TombstoneGrace returns how long cleared-session tombstones are kept.
func (c *Config) TombstoneGrace() time.Duration {
	return secondsToDuration(c.Idle.TombstoneGraceSeconds)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
