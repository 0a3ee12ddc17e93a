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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

// AgentCleanupCallback is invoked when a runner is destroyed. By contract
// the callback deletes the agent bound to the runner: the cascade is
// intentional.
type AgentCleanupCallback func(ctx context.Context, agentID contracts.AgentID)

// ManagerConfig configures the runner pool.
type ManagerConfig struct {
	AppName             string
	RunnerIDPrefix      string
	SessionIDPrefix     string
	DefaultUserID       string
	MaxSessionsPerAgent int
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.AppName == "" {
		out.AppName = "loom"
	}
	if out.RunnerIDPrefix == "" {
		out.RunnerIDPrefix = "runner"
	}
	if out.SessionIDPrefix == "" {
		out.SessionIDPrefix = "engine_session"
	}
	if out.DefaultUserID == "" {
		out.DefaultUserID = "anonymous"
	}
	if out.MaxSessionsPerAgent <= 0 {
		out.MaxSessionsPerAgent = 100
	}
	return out
}

// Manager owns the runner pool and its indices.
type Manager struct {
	config          ManagerConfig
	cleanupCallback AgentCleanupCallback

	mu              sync.Mutex
	runners         map[contracts.RunnerID]*Runner
	sessionToRunner map[contracts.EngineSessionID]contracts.RunnerID
	configToRunner  map[string]contracts.RunnerID
	agentToRunner   map[contracts.AgentID]contracts.RunnerID
}

// NewManager creates a runner manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		config:          cfg.withDefaults(),
		runners:         make(map[contracts.RunnerID]*Runner),
		sessionToRunner: make(map[contracts.EngineSessionID]contracts.RunnerID),
		configToRunner:  make(map[string]contracts.RunnerID),
		agentToRunner:   make(map[contracts.AgentID]contracts.RunnerID),
	}
}

// SetAgentCleanupCallback registers the cascade callback. Must be called
// before any CleanupRunner.
func (m *Manager) SetAgentCleanupCallback(cb AgentCleanupCallback) {
	m.cleanupCallback = cb
}

// MaxSessionsPerAgent returns the configured capacity threshold.
func (m *Manager) MaxSessionsPerAgent() int { return m.config.MaxSessionsPerAgent }

// GenerateSessionID mints a fresh engine session id.
func (m *Manager) GenerateSessionID() contracts.EngineSessionID {
	return contracts.EngineSessionID(fmt.Sprintf("%s_%s", m.config.SessionIDPrefix,
		strings.ReplaceAll(uuid.NewString(), "-", "")[:12]))
}

// AcquireRequest are the parameters of GetOrCreateRunner.
type AcquireRequest struct {
	Config  *contracts.AgentConfig
	AgentID contracts.AgentID

	// EngineSessionID names the session to create when CreateSession is
	// set; generated when empty.
	EngineSessionID contracts.EngineSessionID
	CreateSession   bool
	UserID          string

	// AllowReuse permits returning an existing runner for the same config
	// hash, and indexing a newly created runner for future reuse.
	AllowReuse bool

	// History seeds the created session (agent-switch migration).
	History []contracts.Message
}

// GetOrCreateRunner returns a runner for the config, reusing by config hash
// when allowed and under capacity, otherwise creating a runner bound to the
// given agent.
func (m *Manager) GetOrCreateRunner(ctx context.Context, req *AcquireRequest) (contracts.RunnerID, contracts.EngineSessionID, error) {
	if req.Config == nil {
		return "", "", fmt.Errorf("agent config is required")
	}
	configHash := req.Config.Hash()

	m.mu.Lock()
	var r *Runner
	if req.AllowReuse {
		if existingID, ok := m.configToRunner[configHash]; ok {
			if existing := m.runners[existingID]; existing != nil &&
				existing.SessionCount() < m.config.MaxSessionsPerAgent {
				r = existing
			}
		}
	}

	if r == nil {
		if req.AgentID == "" {
			m.mu.Unlock()
			return "", "", fmt.Errorf("agent id is required to create a runner")
		}
		r = &Runner{
			id: contracts.RunnerID(fmt.Sprintf("%s_%s", m.config.RunnerIDPrefix,
				strings.ReplaceAll(uuid.NewString(), "-", "")[:12])),
			agentID:      req.AgentID,
			configHash:   configHash,
			appName:      m.config.AppName,
			sessions:     engine.InMemoryService(),
			createdAt:    time.Now(),
			lastActivity: time.Now(),
		}
		m.runners[r.id] = r
		m.agentToRunner[req.AgentID] = r.id
		if req.AllowReuse {
			// Runners created for exclusive use stay out of the reuse index.
			m.configToRunner[configHash] = r.id
		}
		slog.Info("Created runner", "runner_id", r.id, "agent_id", req.AgentID,
			"config_hash", configHash, "reusable", req.AllowReuse)
	} else {
		slog.Info("Reusing runner", "runner_id", r.id, "config_hash", configHash)
	}
	m.mu.Unlock()

	r.Touch()

	if !req.CreateSession {
		return r.id, "", nil
	}

	sessionID, err := m.CreateSessionInRunner(ctx, r.id, req.EngineSessionID, req.UserID, req.History)
	if err != nil {
		return r.id, "", err
	}
	return r.id, sessionID, nil
}

// CreateSessionInRunner creates an engine session inside an existing
// runner and indexes it. Used directly by the "new session for existing
// agent" flow.
func (m *Manager) CreateSessionInRunner(ctx context.Context, runnerID contracts.RunnerID,
	sessionID contracts.EngineSessionID, userID string, history []contracts.Message) (contracts.EngineSessionID, error) {

	r, ok := m.Get(runnerID)
	if !ok {
		return "", contracts.NewError(contracts.ErrCodeRunnerNotFound, "runner.create_session",
			"runner %s not found", runnerID)
	}

	if sessionID == "" {
		sessionID = m.GenerateSessionID()
	}
	if userID == "" {
		userID = m.config.DefaultUserID
	}

	if _, err := r.sessions.Create(ctx, &engine.CreateRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
		History:   history,
	}); err != nil {
		return "", fmt.Errorf("create session %s in runner %s: %w", sessionID, runnerID, err)
	}

	m.mu.Lock()
	m.sessionToRunner[sessionID] = runnerID
	m.mu.Unlock()

	r.Touch()
	slog.Info("Created engine session", "session_id", sessionID, "runner_id", runnerID,
		"user_id", userID, "seeded_history", len(history))
	return sessionID, nil
}

// RemoveSessionFromRunner deletes a session from the runner's store and the
// global index.
func (m *Manager) RemoveSessionFromRunner(ctx context.Context, runnerID contracts.RunnerID,
	sessionID contracts.EngineSessionID) error {

	r, ok := m.Get(runnerID)
	if !ok {
		return contracts.NewError(contracts.ErrCodeRunnerNotFound, "runner.remove_session",
			"runner %s not found", runnerID)
	}

	if err := r.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s from runner %s: %w", sessionID, runnerID, err)
	}

	m.mu.Lock()
	delete(m.sessionToRunner, sessionID)
	m.mu.Unlock()

	slog.Info("Removed engine session", "session_id", sessionID, "runner_id", runnerID)
	return nil
}

// CleanupRunner deletes all of a runner's sessions, drops it from every
// index, and invokes the agent cleanup callback. Destroying a runner
// destroys exactly the agent bound to it.
func (m *Manager) CleanupRunner(ctx context.Context, runnerID contracts.RunnerID) error {
	m.mu.Lock()
	r, ok := m.runners[runnerID]
	if !ok {
		m.mu.Unlock()
		return contracts.NewError(contracts.ErrCodeRunnerNotFound, "runner.cleanup",
			"runner %s not found", runnerID)
	}

	for _, sess := range r.sessions.List(ctx) {
		delete(m.sessionToRunner, sess.ID())
	}
	if m.configToRunner[r.configHash] == runnerID {
		delete(m.configToRunner, r.configHash)
	}
	delete(m.agentToRunner, r.agentID)
	delete(m.runners, runnerID)
	agentID := r.agentID
	m.mu.Unlock()

	for _, sess := range r.sessions.List(ctx) {
		if err := r.sessions.Delete(ctx, sess.ID()); err != nil {
			slog.Warn("Failed to delete session during runner cleanup",
				"runner_id", runnerID, "session_id", sess.ID(), "error", err)
		}
	}

	// Cascade outside the lock: the callback reaches back into the agent
	// manager.
	if m.cleanupCallback != nil {
		m.cleanupCallback(ctx, agentID)
	}

	slog.Info("Runner cleaned up", "runner_id", runnerID, "agent_id", agentID)
	return nil
}

// Get looks up a runner.
func (m *Manager) Get(runnerID contracts.RunnerID) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	return r, ok
}

// RunnerForAgent resolves the 1:1 agent-to-runner binding.
func (m *Manager) RunnerForAgent(agentID contracts.AgentID) (*Runner, error) {
	m.mu.Lock()
	runnerID, ok := m.agentToRunner[agentID]
	var r *Runner
	if ok {
		r = m.runners[runnerID]
	}
	m.mu.Unlock()

	if r == nil {
		return nil, contracts.NewError(contracts.ErrCodeRunnerNotFound, "runner.for_agent",
			"no runner found for agent %s", agentID)
	}
	return r, nil
}

// RunnerForSession resolves the runner that owns an engine session.
func (m *Manager) RunnerForSession(sessionID contracts.EngineSessionID) (*Runner, error) {
	m.mu.Lock()
	runnerID, ok := m.sessionToRunner[sessionID]
	var r *Runner
	if ok {
		r = m.runners[runnerID]
	}
	m.mu.Unlock()

	if r == nil {
		return nil, contracts.NewError(contracts.ErrCodeRunnerNotFound, "runner.for_session",
			"no runner found for session %s", sessionID)
	}
	return r, nil
}

// SessionCount reports a runner's live session count, 0 for unknown runners.
func (m *Manager) SessionCount(runnerID contracts.RunnerID) int {
	r, ok := m.Get(runnerID)
	if !ok {
		return 0
	}
	return r.SessionCount()
}

// All returns every pooled runner. Used by the idle sweeper.
func (m *Manager) All() []*Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out
}

// Stats summarizes the pool.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	runners := make([]map[string]any, 0, len(m.runners))
	for id, r := range m.runners {
		runners = append(runners, map[string]any{
			"runner_id":     id,
			"agent_id":      r.agentID,
			"config_hash":   r.configHash,
			"session_count": r.SessionCount(),
			"created_at":    r.createdAt,
		})
	}
	return map[string]any{
		"total_runners":  len(m.runners),
		"total_sessions": len(m.sessionToRunner),
		"total_configs":  len(m.configToRunner),
		"runners":        runners,
	}
}

// CleanupAll tears down every runner. Used during shutdown; errors are
// logged, not propagated.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]contracts.RunnerID, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CleanupRunner(ctx, id); err != nil {
			slog.Warn("Runner cleanup failed during shutdown", "runner_id", id, "error", err)
		}
	}
}
