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

// Package session coordinates business chat sessions: it resolves each
// incoming request to an (agent, runner, engine-session) triple, migrates
// history across agent switches, tombstones cleared sessions, and runs the
// idle eviction sweep.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
	"github.com/kadirpekel/loom/pkg/runner"
)

// Eviction reasons recorded in tombstones.
const (
	ReasonIdleTimeout     = "session_idle_timeout"
	ReasonExplicitCleanup = "explicit_cleanup"
)

// ChatSession is the caller-stable conversation record. The active_* fields
// are non-owning handles: the runner owns the engine session, the agent
// manager owns the agent.
type ChatSession struct {
	ID     contracts.ChatSessionID
	UserID string

	ActiveAgentID         contracts.AgentID
	ActiveEngineSessionID contracts.EngineSessionID
	ActiveRunnerID        contracts.RunnerID

	// History is the last extracted conversation snapshot, used to seed a
	// newly activated agent on switch.
	History []contracts.Message

	CreatedAt    time.Time
	LastActivity time.Time
	LastSwitchAt time.Time
}

// Tombstone records why a cleared chat session was evicted. A tombstoned id
// rejects all non-recovery requests until Recover is called or the grace
// window expires.
type Tombstone struct {
	Reason string
	At     time.Time
}

// CoordinationResult is the outcome of resolving a conversation request.
type CoordinationResult struct {
	EngineSessionID  contracts.EngineSessionID
	RunnerID         contracts.RunnerID
	SwitchOccurred   bool
	PreviousAgentID  contracts.AgentID
	NewAgentID       contracts.AgentID
	MigratedMessages int
}

// Coordinator owns the chat session map, the cleared-session tombstones,
// and the per-chat mutexes that serialize coordination and eviction.
type Coordinator struct {
	runners       *runner.Manager
	defaultUserID string

	mu        sync.Mutex
	chats     map[contracts.ChatSessionID]*ChatSession
	cleared   map[contracts.ChatSessionID]*Tombstone
	chatLocks map[contracts.ChatSessionID]*sync.Mutex
}

// NewCoordinator creates a session coordinator backed by the runner pool.
func NewCoordinator(runners *runner.Manager, defaultUserID string) *Coordinator {
	if defaultUserID == "" {
		defaultUserID = "anonymous"
	}
	return &Coordinator{
		runners:       runners,
		defaultUserID: defaultUserID,
		chats:         make(map[contracts.ChatSessionID]*ChatSession),
		cleared:       make(map[contracts.ChatSessionID]*Tombstone),
		chatLocks:     make(map[contracts.ChatSessionID]*sync.Mutex),
	}
}

// chatLock returns the mutex serializing all operations for one chat id.
func (c *Coordinator) chatLock(id contracts.ChatSessionID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.chatLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.chatLocks[id] = lock
	}
	return lock
}

// Coordinate resolves a conversation request to its engine session,
// performing an agent switch with history migration when the target agent
// differs from the chat's active agent.
//
// Coordination for one chat id is fully serialized; different chats proceed
// in parallel.
func (c *Coordinator) Coordinate(ctx context.Context, chatID contracts.ChatSessionID,
	targetAgentID contracts.AgentID, userID string) (*CoordinationResult, error) {

	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	if ts := c.tombstone(chatID); ts != nil {
		return nil, contracts.NewError(contracts.ErrCodeSessionCleared, "session.coordinate",
			"chat session %s was cleared (%s)", chatID, ts.Reason).
			WithDetail("reason", ts.Reason).
			WithDetail("cleared_at", ts.At)
	}

	targetRunner, err := c.runners.RunnerForAgent(targetAgentID)
	if err != nil {
		return nil, err
	}

	if userID == "" {
		userID = c.defaultUserID
	}

	c.mu.Lock()
	chat, ok := c.chats[chatID]
	if !ok {
		chat = &ChatSession{
			ID:        chatID,
			UserID:    userID,
			CreatedAt: time.Now(),
		}
		c.chats[chatID] = chat
	}
	// Snapshot the handles; mutations below re-enter c.mu so that sweeper
	// snapshots never race with field writes.
	activeAgentID := chat.ActiveAgentID
	activeSessionID := chat.ActiveEngineSessionID
	activeRunnerID := chat.ActiveRunnerID
	c.mu.Unlock()

	defer c.Touch(chatID)

	// Same active agent: return the existing engine session.
	if activeAgentID == targetAgentID && activeSessionID != "" {
		return &CoordinationResult{
			EngineSessionID: activeSessionID,
			RunnerID:        activeRunnerID,
			NewAgentID:      targetAgentID,
		}, nil
	}

	// First activation for this chat.
	if activeAgentID == "" {
		sessionID, err := c.runners.CreateSessionInRunner(ctx, targetRunner.ID(), "", userID, nil)
		if err != nil {
			return nil, err
		}
		c.activate(chatID, targetAgentID, sessionID, targetRunner.ID(), nil, false)
		return &CoordinationResult{
			EngineSessionID: sessionID,
			RunnerID:        targetRunner.ID(),
			NewAgentID:      targetAgentID,
		}, nil
	}

	// Agent switch: migrate history from the previous engine session into a
	// fresh session inside the target agent's runner.
	previousAgentID := activeAgentID
	history := c.extractHistory(ctx, activeSessionID, chatID)

	if err := c.runners.RemoveSessionFromRunner(ctx, activeRunnerID, activeSessionID); err != nil {
		slog.Warn("Failed to remove previous engine session during switch",
			"chat_session_id", chatID,
			"engine_session_id", activeSessionID,
			"error", err)
	}

	sessionID, err := c.runners.CreateSessionInRunner(ctx, targetRunner.ID(), "", userID, history)
	if err != nil {
		return nil, err
	}

	c.activate(chatID, targetAgentID, sessionID, targetRunner.ID(), history, true)

	slog.Info("Agent switch completed",
		"chat_session_id", chatID,
		"previous_agent_id", previousAgentID,
		"new_agent_id", targetAgentID,
		"engine_session_id", sessionID,
		"migrated_messages", len(history))

	return &CoordinationResult{
		EngineSessionID:  sessionID,
		RunnerID:         targetRunner.ID(),
		SwitchOccurred:   true,
		PreviousAgentID:  previousAgentID,
		NewAgentID:       targetAgentID,
		MigratedMessages: len(history),
	}, nil
}

// activate updates the chat's active handles under the coordinator mutex.
func (c *Coordinator) activate(chatID contracts.ChatSessionID, agentID contracts.AgentID,
	sessionID contracts.EngineSessionID, runnerID contracts.RunnerID,
	history []contracts.Message, switched bool) {

	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[chatID]
	if !ok {
		return
	}
	chat.ActiveAgentID = agentID
	chat.ActiveEngineSessionID = sessionID
	chat.ActiveRunnerID = runnerID
	if history != nil {
		chat.History = history
	}
	if switched {
		chat.LastSwitchAt = time.Now()
	}
}

// extractHistory reads the ordered conversation out of the chat's current
// engine session. Extraction failures never block a switch: the new session
// starts empty instead.
func (c *Coordinator) extractHistory(ctx context.Context, sessionID contracts.EngineSessionID,
	chatID contracts.ChatSessionID) []contracts.Message {

	r, err := c.runners.RunnerForSession(sessionID)
	if err != nil {
		slog.Warn("History extraction skipped: runner not found",
			"chat_session_id", chatID, "engine_session_id", sessionID)
		return nil
	}
	sess, err := r.Sessions().Get(ctx, sessionID)
	if err != nil {
		slog.Warn("History extraction skipped: session not found",
			"chat_session_id", chatID, "engine_session_id", sessionID)
		return nil
	}
	return engine.ExtractHistory(sess)
}

// Touch records chat activity. Called by the adapter after each turn.
func (c *Coordinator) Touch(chatID contracts.ChatSessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat, ok := c.chats[chatID]; ok {
		chat.LastActivity = time.Now()
	}
}

// Get returns a snapshot of a chat session.
func (c *Coordinator) Get(chatID contracts.ChatSessionID) (ChatSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[chatID]
	if !ok {
		return ChatSession{}, false
	}
	return *chat, true
}

// All returns snapshots of every chat session. Used by the sweeper.
func (c *Coordinator) All() []ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatSession, 0, len(c.chats))
	for _, chat := range c.chats {
		out = append(out, *chat)
	}
	return out
}

// CleanupChatSession evicts a chat unconditionally: removes it from the
// active map, installs a tombstone with the reason, and deletes its engine
// session from the owning runner. The runner itself is left alone even when
// its session count drops to zero.
func (c *Coordinator) CleanupChatSession(ctx context.Context, chatID contracts.ChatSessionID, reason string) bool {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	return c.evictLocked(ctx, chatID, reason, 0)
}

// EvictIfIdle evicts a chat only if its LastActivity is still older than
// idleFor once the per-chat lock is held. Coordinate serializes on the same
// lock and refreshes LastActivity before releasing it, so a chat touched
// concurrently with the sweep's eviction decision survives.
func (c *Coordinator) EvictIfIdle(ctx context.Context, chatID contracts.ChatSessionID,
	idleFor time.Duration, reason string) bool {

	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	return c.evictLocked(ctx, chatID, reason, idleFor)
}

// evictLocked performs the eviction. Callers hold the per-chat lock; the
// staleness check and the delete happen under one continuous lock hold, so
// no Coordinate call can interleave between them. idleFor zero skips the
// staleness check.
func (c *Coordinator) evictLocked(ctx context.Context, chatID contracts.ChatSessionID,
	reason string, idleFor time.Duration) bool {

	c.mu.Lock()
	chat, ok := c.chats[chatID]
	if ok && idleFor > 0 && time.Since(chat.LastActivity) <= idleFor {
		c.mu.Unlock()
		return false
	}
	if ok {
		delete(c.chats, chatID)
		c.cleared[chatID] = &Tombstone{Reason: reason, At: time.Now()}
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	if chat.ActiveEngineSessionID != "" {
		if err := c.runners.RemoveSessionFromRunner(ctx, chat.ActiveRunnerID, chat.ActiveEngineSessionID); err != nil {
			slog.Warn("Failed to remove engine session during chat cleanup",
				"chat_session_id", chatID,
				"engine_session_id", chat.ActiveEngineSessionID,
				"error", err)
		}
	}

	slog.Info("Chat session cleared", "chat_session_id", chatID, "reason", reason)
	return true
}

// Recover removes a tombstone so the next request creates a fresh chat.
func (c *Coordinator) Recover(chatID contracts.ChatSessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cleared[chatID]; !ok {
		return false
	}
	delete(c.cleared, chatID)
	slog.Info("Chat session recovered", "chat_session_id", chatID)
	return true
}

// tombstone returns the tombstone for a chat, or nil.
func (c *Coordinator) tombstone(chatID contracts.ChatSessionID) *Tombstone {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared[chatID]
}

// Cleared reports whether a chat id is tombstoned, returning a copy of the
// tombstone.
func (c *Coordinator) Cleared(chatID contracts.ChatSessionID) (Tombstone, bool) {
	ts := c.tombstone(chatID)
	if ts == nil {
		return Tombstone{}, false
	}
	return *ts, true
}

// PurgeTombstones drops tombstones older than ttl and unused chat locks.
func (c *Coordinator) PurgeTombstones(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ts := range c.cleared {
		if ts.At.Before(cutoff) {
			delete(c.cleared, id)
			if _, active := c.chats[id]; !active {
				delete(c.chatLocks, id)
			}
		}
	}
}
