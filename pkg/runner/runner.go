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

// Package runner owns the runner pool. A runner is one model-execution
// context bound 1:1 to a domain agent, with a private engine session store.
//
// Lifecycle rules enforced here:
//   - runners deduplicate by agent-config hash when the caller allows reuse;
//   - reuse by config hash only returns a runner whose session count is
//     below max_sessions_per_agent; CreateSessionInRunner does not check
//     the count, so sessions created in a bound runner can take it past
//     that threshold;
//   - destroying a runner destroys its sessions and, through the cleanup
//     callback, the agent bound to it.
package runner

import (
	"sync"
	"time"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

// Runner is one execution context. It embeds a private session store;
// external code reaches the sessions only through Manager methods or the
// Sessions accessor handed to the executing agent.
type Runner struct {
	id         contracts.RunnerID
	agentID    contracts.AgentID
	configHash string
	appName    string
	sessions   engine.Service
	createdAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// ID returns the runner id.
func (r *Runner) ID() contracts.RunnerID { return r.id }

// AgentID returns the bound agent's id.
func (r *Runner) AgentID() contracts.AgentID { return r.agentID }

// ConfigHash returns the config hash of the bound agent.
func (r *Runner) ConfigHash() string { return r.configHash }

// AppName returns the owning application name.
func (r *Runner) AppName() string { return r.appName }

// Sessions returns the runner's private engine session store.
func (r *Runner) Sessions() engine.Service { return r.sessions }

// SessionCount returns the number of live engine sessions.
func (r *Runner) SessionCount() int { return r.sessions.Count() }

// CreatedAt returns the creation time.
func (r *Runner) CreatedAt() time.Time { return r.createdAt }

// LastActivity returns the last recorded activity.
func (r *Runner) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Touch records activity.
func (r *Runner) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}
