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

package framework

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
	"github.com/kadirpekel/loom/pkg/observability"
	"github.com/kadirpekel/loom/pkg/runner"
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/tool"
)

// AdapterConfig configures the engine adapter.
type AdapterConfig struct {
	AppName             string
	AgentIDPrefix       string
	RunnerIDPrefix      string
	SessionIDPrefix     string
	DefaultUserID       string
	MaxSessionsPerAgent int

	ApprovalTimeout time.Duration
	ApprovalPolicy  string
	StreamBuffer    int

	// GeneratorFactory builds the opaque model generator per agent. When
	// nil, the static fallback generator is used.
	GeneratorFactory engine.Factory

	// Tools is the shared tool service; may be nil.
	Tools *tool.Service

	// Metrics is optional.
	Metrics *observability.Metrics
}

// EngineAdapter is the built-in framework adapter. It dispatches creation
// mode and conversation mode, coordinating agents, runners, and chat
// sessions.
type EngineAdapter struct {
	config      AdapterConfig
	agents      *agent.Manager
	runners     *runner.Manager
	coordinator *session.Coordinator
	tools       *tool.Service
	metrics     *observability.Metrics
	tracer      trace.Tracer
	ready       bool
}

// NewEngineAdapter wires the adapter and its owned components.
func NewEngineAdapter(cfg AdapterConfig) *EngineAdapter {
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = "anonymous"
	}

	runners := runner.NewManager(runner.ManagerConfig{
		AppName:             cfg.AppName,
		RunnerIDPrefix:      cfg.RunnerIDPrefix,
		SessionIDPrefix:     cfg.SessionIDPrefix,
		DefaultUserID:       cfg.DefaultUserID,
		MaxSessionsPerAgent: cfg.MaxSessionsPerAgent,
	})
	agents := agent.NewManager(cfg.AgentIDPrefix)

	a := &EngineAdapter{
		config:      cfg,
		agents:      agents,
		runners:     runners,
		coordinator: session.NewCoordinator(runners, cfg.DefaultUserID),
		tools:       cfg.Tools,
		metrics:     cfg.Metrics,
		tracer:      observability.GetTracer("loom/framework"),
		ready:       true,
	}
	// Destroying a runner destroys the agent bound to it.
	runners.SetAgentCleanupCallback(a.handleAgentCleanup)
	return a
}

// Type returns the adapter type.
func (a *EngineAdapter) Type() Type { return TypeLoom }

// IsReady reports readiness.
func (a *EngineAdapter) IsReady() bool { return a.ready }

// Agents exposes the agent manager (sweeper, tests).
func (a *EngineAdapter) Agents() *agent.Manager { return a.agents }

// Runners exposes the runner pool (sweeper, tests).
func (a *EngineAdapter) Runners() *runner.Manager { return a.runners }

// Coordinator exposes the session coordinator (sweeper, recovery surface).
func (a *EngineAdapter) Coordinator() *session.Coordinator { return a.coordinator }

func (a *EngineAdapter) handleAgentCleanup(ctx context.Context, agentID contracts.AgentID) {
	if agentID == "" {
		return
	}
	slog.Info("Cleaning up agent after runner teardown", "agent_id", agentID)
	if err := a.agents.Cleanup(ctx, agentID); err != nil {
		slog.Warn("Agent cleanup failed", "agent_id", agentID, "error", err)
	}
}

// ExecuteTask dispatches by request shape. It never panics across the
// boundary: failures become TaskResult{Status: ERROR}.
func (a *EngineAdapter) ExecuteTask(ctx context.Context, req *contracts.TaskRequest) (result *contracts.TaskResult) {
	start := time.Now()
	pattern := "invalid"

	ctx, span := a.tracer.Start(ctx, "adapter.execute_task",
		trace.WithAttributes(attribute.String("task_id", req.TaskID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = contracts.ErrorResult(req.TaskID,
				contracts.NewError(contracts.ErrCodeInternal, "adapter.execute_task",
					"panic during execution: %v", r),
				req.SessionID, req.AgentID)
		}
		if a.metrics != nil {
			a.metrics.RecordTask(pattern, string(result.Status), time.Since(start).Seconds())
			a.metrics.SetPoolSizes(len(a.runners.All()), a.agents.Count(), len(a.coordinator.All()))
		}
	}()

	switch {
	case req.IsCreationMode():
		pattern = contracts.PatternAgentCreation
		return a.handleAgentCreation(ctx, req)
	case req.IsConversationMode():
		pattern = contracts.PatternConversation
		return a.handleConversation(ctx, req)
	default:
		return contracts.ErrorResult(req.TaskID,
			contracts.NewError(contracts.ErrCodeRequestValidation, "adapter.execute_task",
				"invalid request: must provide either agent_config (creation) or agent_id+chat_session_id (conversation)"),
			req.SessionID, req.AgentID)
	}
}

// handleAgentCreation resolves creation mode: reuse an agent with identical
// config when capacity allows, otherwise mint a fresh agent+runner pair. No
// engine session is created; the first conversation turn does that lazily.
func (a *EngineAdapter) handleAgentCreation(ctx context.Context, req *contracts.TaskRequest) *contracts.TaskResult {
	configHash := req.AgentConfig.Hash()

	slog.Info("Agent creation request received",
		"task_id", req.TaskID,
		"agent_type", req.AgentConfig.AgentType,
		"config_hash", configHash,
		"chat_session_id", req.SessionID)

	agentID, reused := a.selectReusableAgent(configHash)
	if !reused {
		newID := a.agents.GenerateID()
		generator, err := a.buildGenerator(req.AgentConfig)
		if err != nil {
			return contracts.ErrorResult(req.TaskID,
				contracts.AsError(err, "adapter.agent_creation"), req.SessionID, "")
		}

		domainAgent := agent.New(newID, req.AgentConfig, generator, a.tools)
		if err := a.agents.Register(domainAgent); err != nil {
			return contracts.ErrorResult(req.TaskID,
				contracts.AsError(err, "adapter.agent_creation"), req.SessionID, "")
		}

		if _, _, err := a.runners.GetOrCreateRunner(ctx, &runner.AcquireRequest{
			Config:        req.AgentConfig,
			AgentID:       newID,
			CreateSession: false,
			AllowReuse:    false,
		}); err != nil {
			return contracts.ErrorResult(req.TaskID,
				contracts.AsError(err, "adapter.agent_creation"), req.SessionID, newID)
		}

		agentID = newID
		slog.Info("Created agent with dedicated runner",
			"task_id", req.TaskID, "agent_id", agentID, "config_hash", configHash)
	} else {
		if existing, ok := a.agents.Get(agentID); ok {
			existing.Touch()
		}
		slog.Info("Reusing agent for config hash",
			"task_id", req.TaskID, "agent_id", agentID, "config_hash", configHash)
	}

	result := &contracts.TaskResult{
		TaskID:    req.TaskID,
		Status:    contracts.TaskStatusSuccess,
		AgentID:   agentID,
		SessionID: req.SessionID,
	}
	result.SetMeta(contracts.MetaFramework, string(TypeLoom))
	result.SetMeta(contracts.MetaAgentID, string(agentID))
	result.SetMeta(contracts.MetaPattern, contracts.PatternAgentCreation)
	result.SetMeta(contracts.MetaExecutionID, "exec_"+req.TaskID)
	result.SetMeta(contracts.MetaEngineSessionReady, false)
	result.SetMeta(contracts.MetaEngineSessionID, nil)
	if req.SessionID != "" {
		result.SetMeta(contracts.MetaChatSessionID, string(req.SessionID))
	}
	return result
}

// selectReusableAgent picks the first agent sharing the config hash whose
// runner is below capacity, lazily pruning stale candidates.
func (a *EngineAdapter) selectReusableAgent(configHash string) (contracts.AgentID, bool) {
	candidates := a.agents.CandidatesForHash(configHash)
	if len(candidates) == 0 {
		return "", false
	}

	var valid []contracts.AgentID
	var selected contracts.AgentID
	for _, id := range candidates {
		if _, ok := a.agents.Get(id); !ok {
			continue
		}
		r, err := a.runners.RunnerForAgent(id)
		if err != nil {
			continue
		}
		valid = append(valid, id)
		if selected == "" && r.SessionCount() < a.runners.MaxSessionsPerAgent() {
			selected = id
		}
	}
	a.agents.ReplaceBucket(configHash, valid)

	return selected, selected != ""
}

// handleConversation resolves conversation mode through the coordinator and
// executes the turn. The public session id always echoes the chat id; the
// engine session id travels only in metadata.
func (a *EngineAdapter) handleConversation(ctx context.Context, req *contracts.TaskRequest) *contracts.TaskResult {
	chatID := req.SessionID

	slog.Info("Conversation request received",
		"task_id", req.TaskID,
		"agent_id", req.AgentID,
		"chat_session_id", chatID,
		"message_count", len(req.Messages))

	// A cleared chat id rejects everything except recovery, regardless of
	// whether the agent still exists.
	if ts, cleared := a.coordinator.Cleared(chatID); cleared {
		return contracts.ErrorResult(req.TaskID,
			contracts.NewError(contracts.ErrCodeSessionCleared, "adapter.conversation",
				"chat session %s was cleared (%s)", chatID, ts.Reason).
				WithDetail("reason", ts.Reason),
			chatID, req.AgentID)
	}

	domainAgent, ok := a.agents.Get(req.AgentID)
	if !ok {
		return contracts.ErrorResult(req.TaskID,
			contracts.NewError(contracts.ErrCodeAgentNotFound, "adapter.conversation",
				"agent %s not found", req.AgentID),
			chatID, req.AgentID)
	}

	userID := req.UserContext.ResolvedUserID(a.config.DefaultUserID)
	coordination, err := a.coordinator.Coordinate(ctx, chatID, req.AgentID, userID)
	if err != nil {
		return contracts.ErrorResult(req.TaskID,
			contracts.AsError(err, "adapter.coordinate"), chatID, req.AgentID)
	}

	r, okRunner := a.runners.Get(coordination.RunnerID)
	if !okRunner {
		return contracts.ErrorResult(req.TaskID,
			contracts.NewError(contracts.ErrCodeRunnerNotFound, "adapter.conversation",
				"runner %s not found", coordination.RunnerID),
			chatID, req.AgentID)
	}

	if coordination.SwitchOccurred {
		slog.Info("Session switch completed",
			"chat_session_id", chatID,
			"previous_agent_id", coordination.PreviousAgentID,
			"new_agent_id", coordination.NewAgentID,
			"engine_session_id", coordination.EngineSessionID)
	}

	result, err := domainAgent.Execute(ctx, &agent.Invocation{
		TaskID:    req.TaskID,
		UserID:    userID,
		Sessions:  r.Sessions(),
		SessionID: coordination.EngineSessionID,
		Messages:  req.Messages,
	})
	if err != nil {
		return a.shapeConversationResult(
			contracts.ErrorResult(req.TaskID, contracts.AsError(err, "adapter.conversation"), chatID, req.AgentID),
			req, coordination)
	}

	r.Touch()
	a.coordinator.Touch(chatID)

	return a.shapeConversationResult(result, req, coordination)
}

func (a *EngineAdapter) shapeConversationResult(result *contracts.TaskResult,
	req *contracts.TaskRequest, coordination *session.CoordinationResult) *contracts.TaskResult {

	result.SessionID = req.SessionID
	result.AgentID = req.AgentID
	result.SetMeta(contracts.MetaFramework, string(TypeLoom))
	result.SetMeta(contracts.MetaAgentID, string(req.AgentID))
	result.SetMeta(contracts.MetaChatSessionID, string(req.SessionID))
	result.SetMeta(contracts.MetaPattern, contracts.PatternConversation)
	result.SetMeta(contracts.MetaExecutionID, "exec_"+req.TaskID)
	if coordination != nil {
		result.SetMeta(contracts.MetaEngineSessionID, string(coordination.EngineSessionID))
		result.SetMeta(contracts.MetaSwitchOccurred, coordination.SwitchOccurred)
	}
	return result
}

// ExecuteTaskLive starts a live bidirectional execution. Creation-mode
// requests create the agent first and then open the live turn against it.
func (a *EngineAdapter) ExecuteTaskLive(ctx context.Context, req *contracts.TaskRequest) (*LiveResult, error) {
	if req.IsCreationMode() {
		creation := a.handleAgentCreation(ctx, req)
		if creation.Status != contracts.TaskStatusSuccess {
			return nil, creation.Error
		}
		req.AgentID = creation.AgentID
		if req.SessionID == "" {
			req.SessionID = contracts.ChatSessionID(
				fmt.Sprintf("chat_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12]))
		}
	}

	if !req.IsConversationMode() {
		return nil, contracts.NewError(contracts.ErrCodeRequestValidation, "adapter.execute_live",
			"live execution requires agent_id and chat_session_id (or agent_config)")
	}

	domainAgent, ok := a.agents.Get(req.AgentID)
	if !ok {
		return nil, contracts.NewError(contracts.ErrCodeAgentNotFound, "adapter.execute_live",
			"agent %s not found", req.AgentID)
	}

	userID := req.UserContext.ResolvedUserID(a.config.DefaultUserID)
	coordination, err := a.coordinator.Coordinate(ctx, req.SessionID, req.AgentID, userID)
	if err != nil {
		return nil, err
	}

	r, okRunner := a.runners.Get(coordination.RunnerID)
	if !okRunner {
		return nil, contracts.NewError(contracts.ErrCodeRunnerNotFound, "adapter.execute_live",
			"runner %s not found", coordination.RunnerID)
	}

	handle, err := domainAgent.ExecuteLive(ctx, &agent.Invocation{
		TaskID:          req.TaskID,
		UserID:          userID,
		Sessions:        r.Sessions(),
		SessionID:       coordination.EngineSessionID,
		Messages:        req.Messages,
		StreamBuffer:    a.config.StreamBuffer,
		ApprovalTimeout: a.config.ApprovalTimeout,
		ApprovalPolicy:  a.config.ApprovalPolicy,
	})
	if err != nil {
		return nil, err
	}

	r.Touch()
	a.coordinator.Touch(req.SessionID)

	return &LiveResult{
		Handle:        handle,
		ChatSessionID: req.SessionID,
		AgentID:       req.AgentID,
	}, nil
}

func (a *EngineAdapter) buildGenerator(cfg *contracts.AgentConfig) (engine.Generator, error) {
	if a.config.GeneratorFactory == nil {
		return engine.NewStaticGenerator(), nil
	}
	settings, err := cfg.ModelSettings()
	if err != nil {
		return nil, err
	}
	return a.config.GeneratorFactory(settings.Model)
}

// CleanupChatSession evicts a chat session explicitly.
func (a *EngineAdapter) CleanupChatSession(ctx context.Context, chatID contracts.ChatSessionID) bool {
	return a.coordinator.CleanupChatSession(ctx, chatID, session.ReasonExplicitCleanup)
}

// RecoverChatSession removes a tombstone so the chat id can be reused.
func (a *EngineAdapter) RecoverChatSession(chatID contracts.ChatSessionID) bool {
	return a.coordinator.Recover(chatID)
}

// HealthCheck reports adapter health.
func (a *EngineAdapter) HealthCheck(ctx context.Context) map[string]any {
	status := "healthy"
	if !a.ready {
		status = "not_initialized"
	}
	return map[string]any{
		"framework":     string(TypeLoom),
		"status":        status,
		"agents":        a.agents.Count(),
		"runner_stats":  a.runners.Stats(),
		"chat_sessions": len(a.coordinator.All()),
	}
}

// Shutdown tears down every runner (cascading into agents). Errors are
// logged, never propagated.
func (a *EngineAdapter) Shutdown(ctx context.Context) {
	a.runners.CleanupAll(ctx)
	a.ready = false
}

var _ Adapter = (*EngineAdapter)(nil)
