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

package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads configuration: defaults first, then the YAML file when path is
// non-empty. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(confmap.Provider(defaultsMap(defaults), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// defaultsMap flattens the default config into koanf's confmap shape.
func defaultsMap(d *Config) map[string]any {
	return map[string]any{
		"app_name":                      d.AppName,
		"default_user_id":               d.DefaultUserID,
		"runner_id_prefix":              d.RunnerIDPrefix,
		"session_id_prefix":             d.SessionIDPrefix,
		"agent_id_prefix":               d.AgentIDPrefix,
		"max_sessions_per_agent":        d.MaxSessionsPerAgent,
		"stream_buffer_size":            d.StreamBufferSize,
		"chat_log_dir":                  d.ChatLogDir,
		"tool_approval.timeout_seconds": d.ToolApproval.TimeoutSeconds,
		"tool_approval.timeout_policy":  d.ToolApproval.TimeoutPolicy,
		"idle.sweep_interval_seconds":   d.Idle.SweepIntervalSeconds,
		"idle.session_timeout_seconds":  d.Idle.SessionTimeoutSeconds,
		"idle.runner_timeout_seconds":   d.Idle.RunnerTimeoutSeconds,
		"idle.agent_timeout_seconds":    d.Idle.AgentTimeoutSeconds,
		"idle.tombstone_grace_seconds":  d.Idle.TombstoneGraceSeconds,
		"server.addr":                   d.Server.Addr,
		"logging.level":                 d.Logging.Level,
		"logging.format":                d.Logging.Format,
		"tracing.enabled":               d.Tracing.Enabled,
		"tracing.sampling_rate":         d.Tracing.SamplingRate,
		"tracing.service_name":          d.Tracing.ServiceName,
	}
}
