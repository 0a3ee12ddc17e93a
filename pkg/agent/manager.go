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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
)

// Manager tracks the domain agent population and the config-hash buckets
// used for reuse candidate selection.
type Manager struct {
	idPrefix string

	mu      sync.RWMutex
	agents  map[contracts.AgentID]*DomainAgent
	buckets map[string][]contracts.AgentID
}

// NewManager creates an agent manager. idPrefix prefixes generated agent
// ids; empty means "agent".
func NewManager(idPrefix string) *Manager {
	if idPrefix == "" {
		idPrefix = "agent"
	}
	return &Manager{
		idPrefix: idPrefix,
		agents:   make(map[contracts.AgentID]*DomainAgent),
		buckets:  make(map[string][]contracts.AgentID),
	}
}

// GenerateID mints a fresh agent id.
func (m *Manager) GenerateID() contracts.AgentID {
	return contracts.AgentID(fmt.Sprintf("%s_%s", m.idPrefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:12]))
}

// Register stores an agent and indexes it by config hash.
func (m *Manager) Register(agent *DomainAgent) error {
	if agent == nil || agent.ID() == "" {
		return fmt.Errorf("agent and agent id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID()]; exists {
		return fmt.Errorf("agent %s already registered", agent.ID())
	}
	m.agents[agent.ID()] = agent
	hash := agent.ConfigHash()
	m.buckets[hash] = append(m.buckets[hash], agent.ID())
	return nil
}

// Get looks up an agent by id.
func (m *Manager) Get(id contracts.AgentID) (*DomainAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	return agent, ok
}

// All returns every registered agent. Used by the idle sweeper.
func (m *Manager) All() []*DomainAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DomainAgent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CandidatesForHash returns the agent ids sharing a config hash, in
// registration order.
func (m *Manager) CandidatesForHash(hash string) []contracts.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.AgentID{}, m.buckets[hash]...)
}

// ReplaceBucket swaps the candidate list for a hash after lazy pruning.
// An empty list drops the bucket.
func (m *Manager) ReplaceBucket(hash string, ids []contracts.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		delete(m.buckets, hash)
		return
	}
	m.buckets[hash] = ids
}

// Cleanup removes an agent and its bucket entry. Unknown ids are a no-op:
// cleanup cascades may race with sweeps.
func (m *Manager) Cleanup(ctx context.Context, id contracts.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil
	}
	delete(m.agents, id)

	hash := agent.ConfigHash()
	remaining := m.buckets[hash][:0]
	for _, existing := range m.buckets[hash] {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		delete(m.buckets, hash)
	} else {
		m.buckets[hash] = remaining
	}

	slog.Info("Agent cleaned up", "agent_id", id, "config_hash", hash)
	return nil
}
