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

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/runner"
)

// SweeperConfig holds the idle thresholds.
type SweeperConfig struct {
	Interval       time.Duration
	SessionTimeout time.Duration
	RunnerTimeout  time.Duration
	AgentTimeout   time.Duration
	TombstoneTTL   time.Duration
}

func (c *SweeperConfig) withDefaults() SweeperConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = 30 * time.Minute
	}
	if out.RunnerTimeout <= 0 {
		out.RunnerTimeout = time.Hour
	}
	if out.AgentTimeout <= 0 {
		out.AgentTimeout = 2 * time.Hour
	}
	if out.TombstoneTTL <= 0 {
		out.TombstoneTTL = 24 * time.Hour
	}
	return out
}

// Sweeper periodically evicts idle chat sessions, then idle empty runners,
// then idle unbound agents, in that order. The ordering is a contract:
// runners are never destroyed while sessions still reference them, and
// agents are never destroyed while runners still reference them.
type Sweeper struct {
	config      SweeperConfig
	coordinator *Coordinator
	runners     *runner.Manager
	agents      *agent.Manager
}

// NewSweeper creates an idle sweeper.
func NewSweeper(cfg SweeperConfig, coordinator *Coordinator, runners *runner.Manager, agents *agent.Manager) *Sweeper {
	return &Sweeper{
		config:      cfg.withDefaults(),
		coordinator: coordinator,
		runners:     runners,
		agents:      agents,
	}
}

// Run executes sweep passes on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single eviction pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	evictedChats := s.sweepChats(ctx, now)
	evictedRunners := s.sweepRunners(ctx, now)
	evictedAgents := s.sweepAgents(ctx, now)
	s.coordinator.PurgeTombstones(s.config.TombstoneTTL)

	if evictedChats+evictedRunners+evictedAgents > 0 {
		slog.Info("Idle sweep completed",
			"chats", evictedChats,
			"runners", evictedRunners,
			"agents", evictedAgents)
	}
}

// sweepChats evicts idle chat sessions. The snapshot only pre-filters
// candidates; EvictIfIdle re-checks LastActivity under the same per-chat
// mutex Coordinate holds, so a chat touched concurrently with the eviction
// decision survives.
func (s *Sweeper) sweepChats(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, chat := range s.coordinator.All() {
		if now.Sub(chat.LastActivity) <= s.config.SessionTimeout {
			continue
		}
		if s.coordinator.EvictIfIdle(ctx, chat.ID, s.config.SessionTimeout, ReasonIdleTimeout) {
			evicted++
		}
	}
	return evicted
}

// sweepRunners evicts idle runners with no remaining sessions. Cleanup
// cascades into the agent-cleanup callback.
func (s *Sweeper) sweepRunners(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, r := range s.runners.All() {
		if now.Sub(r.LastActivity()) <= s.config.RunnerTimeout {
			continue
		}
		if r.SessionCount() != 0 {
			continue
		}
		if err := s.runners.CleanupRunner(ctx, r.ID()); err != nil {
			slog.Warn("Idle runner cleanup failed", "runner_id", r.ID(), "error", err)
			continue
		}
		evicted++
	}
	return evicted
}

// sweepAgents evicts idle agents that no runner references anymore.
func (s *Sweeper) sweepAgents(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, a := range s.agents.All() {
		if now.Sub(a.LastActivity()) <= s.config.AgentTimeout {
			continue
		}
		if _, err := s.runners.RunnerForAgent(a.ID()); err == nil {
			continue
		}
		if err := s.agents.Cleanup(ctx, a.ID()); err != nil {
			slog.Warn("Idle agent cleanup failed", "agent_id", a.ID(), "error", err)
			continue
		}
		evicted++
	}
	return evicted
}
