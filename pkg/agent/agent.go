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

// Package agent implements the domain agent: the model-backed entity
// created from an agent config, plus the converter that turns engine events
// into stream chunks and the manager that tracks the agent population.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
	"github.com/kadirpekel/loom/pkg/live"
	"github.com/kadirpekel/loom/pkg/tool"
)

// DomainAgent executes turns against an opaque generator. Exactly one
// runner is bound to each agent; the runner owns the engine sessions the
// agent executes in.
type DomainAgent struct {
	id         contracts.AgentID
	config     *contracts.AgentConfig
	configHash string
	generator  engine.Generator
	tools      *tool.Service
	createdAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates a domain agent.
func New(id contracts.AgentID, config *contracts.AgentConfig, generator engine.Generator, tools *tool.Service) *DomainAgent {
	now := time.Now()
	return &DomainAgent{
		id:           id,
		config:       config,
		configHash:   config.Hash(),
		generator:    generator,
		tools:        tools,
		createdAt:    now,
		lastActivity: now,
	}
}

// ID returns the agent id.
func (a *DomainAgent) ID() contracts.AgentID { return a.id }

// Config returns the agent config.
func (a *DomainAgent) Config() *contracts.AgentConfig { return a.config }

// ConfigHash returns the dedup key of the agent's config.
func (a *DomainAgent) ConfigHash() string { return a.configHash }

// CreatedAt returns the creation time.
func (a *DomainAgent) CreatedAt() time.Time { return a.createdAt }

// LastActivity returns the last time the agent executed.
func (a *DomainAgent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// Touch records activity.
func (a *DomainAgent) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = time.Now()
}

// Invocation is one turn's binding of the agent to an engine session.
type Invocation struct {
	TaskID    string
	UserID    string
	Sessions  engine.Service
	SessionID contracts.EngineSessionID
	Messages  []contracts.Message

	// StreamBuffer bounds the live chunk channel. Zero means a small
	// default; the producer blocks when the consumer is slow.
	StreamBuffer int

	// Approval settings for live execution.
	ApprovalTimeout time.Duration
	ApprovalPolicy  string
}

// LiveHandle is the producer side of a live turn.
type LiveHandle struct {
	// Chunks is the bounded downstream stream; closed when the turn ends.
	Chunks <-chan *contracts.StreamChunk

	// Communicator is the approval-aware inbound channel.
	Communicator live.Communicator

	// Broker exposes pending-approval state to the façade.
	Broker *live.Broker
}

// Execute runs one synchronous turn and returns the assistant reply.
func (a *DomainAgent) Execute(ctx context.Context, inv *Invocation) (*contracts.TaskResult, error) {
	a.Touch()

	sess, err := inv.Sessions.Get(ctx, inv.SessionID)
	if err != nil {
		return nil, contracts.NewError(contracts.ErrCodeSessionNotFound, "agent.execute",
			"session %s not found for agent %s", inv.SessionID, a.id)
	}

	req, userEvents := a.buildRequest(inv, sess)
	for _, ev := range userEvents {
		if err := inv.Sessions.AppendEvent(ctx, inv.SessionID, ev); err != nil {
			return nil, contracts.AsError(err, "agent.execute")
		}
	}

	var replyText string
	for ev, genErr := range a.generator.Generate(ctx, req) {
		if genErr != nil {
			return nil, contracts.AsError(genErr, "agent.generate")
		}
		if ev == nil {
			continue
		}
		if ev.ErrorCode != "" {
			return nil, contracts.NewError(contracts.ErrCodeInternal, "agent.generate",
				"%s: %s", ev.ErrorCode, ev.ErrorMessage)
		}
		if !ev.Partial {
			if err := inv.Sessions.AppendEvent(ctx, inv.SessionID, ev); err != nil {
				slog.Warn("Failed to persist model event",
					"session_id", inv.SessionID, "error", err)
			}
		}
		if fc := ev.FunctionCall(); fc != nil && a.tools != nil {
			a.executeToolSync(ctx, inv, fc)
			continue
		}
		if !ev.Partial && ev.Text() != "" {
			replyText = ev.Text()
		}
	}

	result := &contracts.TaskResult{
		TaskID:  inv.TaskID,
		Status:  contracts.TaskStatusSuccess,
		AgentID: a.id,
	}
	if replyText != "" {
		result.Messages = []contracts.Message{{Role: "assistant", Content: replyText}}
	}
	return result, nil
}

// ExecuteLive starts a bidirectional turn. Chunks stream out through the
// handle; user input flows back through its communicator. The turn ends
// when the generator completes, errors, or observes a cancellation.
func (a *DomainAgent) ExecuteLive(ctx context.Context, inv *Invocation) (*LiveHandle, error) {
	a.Touch()

	sess, err := inv.Sessions.Get(ctx, inv.SessionID)
	if err != nil {
		return nil, contracts.NewError(contracts.ErrCodeSessionNotFound, "agent.execute_live",
			"session %s not found for agent %s", inv.SessionID, a.id)
	}

	queue := engine.NewLiveQueue()
	recorder := live.NewSessionHistoryRecorder(inv.Sessions, inv.SessionID)
	base := live.NewQueueCommunicator(queue, recorder)

	var requirements map[string]bool
	if a.tools != nil {
		requirements = a.tools.ApprovalRequirements()
	}
	broker := live.NewBroker(live.BrokerConfig{
		Communicator:     base,
		Timeout:          inv.ApprovalTimeout,
		FallbackPolicy:   inv.ApprovalPolicy,
		ToolRequirements: requirements,
	})
	communicator := live.NewApprovalAwareCommunicator(base, broker)

	buffer := inv.StreamBuffer
	if buffer <= 0 {
		buffer = 16
	}
	out := make(chan *contracts.StreamChunk, buffer)

	req, userEvents := a.buildRequest(inv, sess)
	for _, ev := range userEvents {
		if err := inv.Sessions.AppendEvent(ctx, inv.SessionID, ev); err != nil {
			slog.Warn("Failed to persist user event", "session_id", inv.SessionID, "error", err)
		}
	}

	go a.runLive(ctx, inv, req, queue, broker, out)

	return &LiveHandle{Chunks: out, Communicator: communicator, Broker: broker}, nil
}

func (a *DomainAgent) runLive(ctx context.Context, inv *Invocation, req *engine.Request,
	queue *engine.LiveQueue, broker *live.Broker, out chan<- *contracts.StreamChunk) {

	defer close(out)

	converter := NewEventConverter(inv.TaskID)

	emit := func(chunk *contracts.StreamChunk) bool {
		broker.Observe(ctx, chunk)
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ev, err := range a.generator.GenerateLive(ctx, req, queue) {
		if err != nil {
			emit(&contracts.StreamChunk{
				TaskID:    inv.TaskID,
				ChunkType: contracts.ChunkError,
				Content:   err.Error(),
				IsFinal:   true,
				Metadata:  map[string]any{"error_code": string(contracts.ErrCodeStreamInterrupted)},
			})
			return
		}
		if ev == nil {
			continue
		}

		if !ev.Partial {
			if appendErr := inv.Sessions.AppendEvent(ctx, inv.SessionID, ev); appendErr != nil {
				slog.Warn("Failed to persist live event",
					"session_id", inv.SessionID, "error", appendErr)
			}
		}

		var proposalID string
		for _, chunk := range converter.Convert(ev) {
			if chunk.ChunkType == contracts.ChunkToolProposal {
				proposalID = chunk.InteractionID
			}
			if !emit(chunk) {
				return
			}
		}

		if fc := ev.FunctionCall(); fc != nil && a.tools != nil {
			a.executeToolLive(ctx, inv, fc, proposalID, converter, broker, emit)
		}
	}
}

// executeToolLive runs a proposed tool behind the approval gate and streams
// its result back as a TOOL_RESULT chunk.
func (a *DomainAgent) executeToolLive(ctx context.Context, inv *Invocation,
	fc *contracts.FunctionCall, interactionID string, converter *EventConverter,
	broker *live.Broker, emit func(*contracts.StreamChunk) bool) {

	exec := a.tools.Execute(ctx, fc.Name, fc.Args, broker)
	if exec.Err != nil {
		exec.Result = map[string]any{"error": exec.Err.Error()}
	}

	id := interactionID
	if id == "" {
		id = fc.ID
	}
	frEvent := engine.NewEvent(uuid.NewString(), engine.AuthorSystem)
	frEvent.Parts = []engine.Part{{FunctionResponse: &engine.FunctionResponse{
		ID:      id,
		Name:    fc.Name,
		Result:  exec.Result,
		IsError: exec.Err != nil,
	}}}

	if err := inv.Sessions.AppendEvent(ctx, inv.SessionID, frEvent); err != nil {
		slog.Warn("Failed to persist tool result", "session_id", inv.SessionID, "error", err)
	}

	for _, chunk := range converter.Convert(frEvent) {
		if !emit(chunk) {
			return
		}
	}
}

// executeToolSync runs a tool during a synchronous turn, ungated.
func (a *DomainAgent) executeToolSync(ctx context.Context, inv *Invocation, fc *contracts.FunctionCall) {
	exec := a.tools.Execute(ctx, fc.Name, fc.Args, nil)
	result := exec.Result
	if exec.Err != nil {
		result = map[string]any{"error": exec.Err.Error()}
	}
	frEvent := engine.NewEvent(uuid.NewString(), engine.AuthorSystem)
	frEvent.Parts = []engine.Part{{FunctionResponse: &engine.FunctionResponse{
		ID:      fc.ID,
		Name:    fc.Name,
		Result:  result,
		IsError: exec.Err != nil,
	}}}
	if err := inv.Sessions.AppendEvent(ctx, inv.SessionID, frEvent); err != nil {
		slog.Warn("Failed to persist tool result", "session_id", inv.SessionID, "error", err)
	}
}

// buildRequest assembles the generator request from session history and the
// new user messages, returning the user events to persist.
func (a *DomainAgent) buildRequest(inv *Invocation, sess engine.Session) (*engine.Request, []*engine.Event) {
	var history []engine.Event
	for ev := range sess.Events().All() {
		history = append(history, *ev)
	}

	var toolNames []string
	if a.tools != nil {
		toolNames = a.tools.Names()
	}

	settings, err := a.config.ModelSettings()
	model := ""
	if err == nil {
		model = settings.Model
	}

	invocationID := "exec_" + inv.TaskID
	var userEvents []*engine.Event
	var newEvents []engine.Event
	for _, msg := range inv.Messages {
		ev := engine.NewTextEvent(invocationID, engine.AuthorUser, msg.Text())
		userEvents = append(userEvents, ev)
		newEvents = append(newEvents, *ev)
	}

	return &engine.Request{
		InvocationID: invocationID,
		SystemPrompt: a.config.SystemPrompt,
		Model:        model,
		History:      history,
		Messages:     newEvents,
		Tools:        toolNames,
	}, userEvents
}
