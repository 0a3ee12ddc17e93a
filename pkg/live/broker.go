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

package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/loom/pkg/contracts"
)

// Resolution sources.
const (
	SourceUser       = "user"
	SourceTimeout    = "timeout"
	SourceToolResult = "tool_result"
)

// Fallback policies applied when an approval times out.
const (
	PolicyAutoApprove = "auto_approve"
	PolicyAutoCancel  = "auto_cancel"
	PolicyManual      = "manual"
)

// Decision is the outcome of a tool approval wait.
type Decision struct {
	Approved      bool
	InteractionID string
	Err           string
}

// PendingInfo is a snapshot entry of one pending approval.
type PendingInfo struct {
	InteractionID string         `json:"interaction_id"`
	ToolName      string         `json:"tool_name,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type pendingApproval struct {
	request   *contracts.InteractionRequest
	createdAt time.Time
	signature string
	decision  chan bool
	stopTimer context.CancelFunc
}

// Broker coordinates tool approval interactions during live execution.
//
// Proposals register through Observe; the tool executor blocks in
// WaitForToolApproval; user decisions, tool results, and per-proposal
// timeouts resolve pending entries. All state transitions are guarded by a
// single mutex; decision channels are completed outside the lock.
type Broker struct {
	communicator     Communicator
	timeout          time.Duration
	fallbackPolicy   string
	toolRequirements map[string]bool

	mu       sync.Mutex
	pending  map[string]*pendingApproval
	sigIndex map[string]string
	closed   bool
	timers   sync.WaitGroup
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Communicator receives synthesized fallback responses so downstream
	// observers see timeout decisions. Required.
	Communicator Communicator

	// Timeout bounds each pending approval. Defaults to 90s.
	Timeout time.Duration

	// FallbackPolicy is applied on expiry: PolicyAutoApprove,
	// PolicyAutoCancel (default), or anything else for manual resolution.
	FallbackPolicy string

	// ToolRequirements overrides per-tool approval gating when a proposal
	// chunk doesn't carry requires_approval itself.
	ToolRequirements map[string]bool
}

// NewBroker creates an approval broker.
func NewBroker(cfg BrokerConfig) *Broker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	policy := cfg.FallbackPolicy
	if policy == "" {
		policy = PolicyAutoCancel
	}
	return &Broker{
		communicator:     cfg.Communicator,
		timeout:          timeout,
		fallbackPolicy:   policy,
		toolRequirements: cfg.ToolRequirements,
		pending:          make(map[string]*pendingApproval),
		sigIndex:         make(map[string]string),
	}
}

// Timeout returns the per-proposal timeout.
func (b *Broker) Timeout() time.Duration { return b.timeout }

// FallbackPolicy returns the configured fallback policy.
func (b *Broker) FallbackPolicy() string { return b.fallbackPolicy }

// Observe inspects an outgoing chunk, registering tool proposals that
// require approval and resolving entries on tool results. The chunk is
// returned (possibly with stamped metadata) for onward delivery.
func (b *Broker) Observe(ctx context.Context, chunk *contracts.StreamChunk) *contracts.StreamChunk {
	switch chunk.ChunkType {
	case contracts.ChunkToolProposal:
		b.registerProposal(ctx, chunk)
	case contracts.ChunkToolResult:
		if chunk.InteractionID != "" {
			b.Resolve(ctx, chunk.InteractionID, nil, SourceToolResult)
		}
	}
	return chunk
}

func (b *Broker) registerProposal(ctx context.Context, chunk *contracts.StreamChunk) {
	interactionID := chunk.InteractionID
	if interactionID == "" {
		interactionID = fmt.Sprintf("tool-%d", chunk.SequenceID)
		chunk.InteractionID = interactionID
	}

	if chunk.MetaString(contracts.MetaStage) == "" {
		chunk.SetMeta(contracts.MetaStage, "tool")
	}

	toolName, args := proposalPayload(chunk)

	requires, ok := lookupBool(chunk.Metadata, contracts.MetaRequiresApproval)
	if !ok {
		requires, ok = b.toolRequirements[toolName]
		if !ok && strings.Contains(toolName, ".") {
			short := toolName[strings.LastIndex(toolName, ".")+1:]
			requires, ok = b.toolRequirements[short]
		}
		if !ok {
			requires = true
		}
	}
	chunk.SetMeta(contracts.MetaRequiresApproval, requires)
	chunk.SetMeta(contracts.MetaInteractionTimeout, b.timeout.Seconds())
	chunk.SetMeta(contracts.MetaApprovalPolicy, b.fallbackPolicy)

	if !requires {
		return
	}

	request := &contracts.InteractionRequest{
		InteractionID:   interactionID,
		InteractionType: contracts.InteractionToolApproval,
		TaskID:          chunk.TaskID,
		Content: map[string]any{
			"tool_name": toolName,
			"arguments": args,
		},
		Metadata: map[string]any{
			contracts.MetaToolName: toolName,
			"timeout_seconds":      b.timeout.Seconds(),
		},
	}

	timerCtx, stopTimer := context.WithCancel(context.Background())
	pending := &pendingApproval{
		request:   request,
		createdAt: time.Now(),
		signature: buildSignature(toolName, args),
		decision:  make(chan bool, 1),
		stopTimer: stopTimer,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stopTimer()
		return
	}
	b.pending[interactionID] = pending
	if pending.signature != "" {
		b.sigIndex[pending.signature] = interactionID
	}
	b.timers.Add(1)
	b.mu.Unlock()

	go b.handleTimeout(timerCtx, interactionID)

	slog.Info("Tool proposal registered",
		"interaction_id", interactionID,
		"task_id", chunk.TaskID,
		"tool_name", toolName,
		"timeout_seconds", b.timeout.Seconds())
}

// WaitForToolApproval is called by the tool executor before invoking a
// tool. When no proposal is pending for the signature, the tool is not
// gated and the call defaults to approved.
func (b *Broker) WaitForToolApproval(ctx context.Context, toolName string, args map[string]any) (*Decision, error) {
	signature := buildSignature(toolName, args)

	b.mu.Lock()
	var pending *pendingApproval
	if id, ok := b.sigIndex[signature]; ok {
		pending = b.pending[id]
	}
	b.mu.Unlock()

	if pending == nil {
		slog.Info("No pending approval, defaulting to allowed", "tool_name", toolName)
		return &Decision{Approved: true}, nil
	}

	select {
	case approved := <-pending.decision:
		decision := &Decision{
			Approved:      approved,
			InteractionID: pending.request.InteractionID,
		}
		if !approved {
			decision.Err = "tool invocation cancelled by user"
		}
		slog.Info("Tool approval decision obtained",
			"interaction_id", pending.request.InteractionID,
			"tool_name", toolName,
			"approved", approved)
		return decision, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve marks a pending approval resolved, cancelling its timer and
// completing its decision channel. A second Resolve for the same id is a
// no-op. A nil response means implicit approval (tool_result path).
func (b *Broker) Resolve(ctx context.Context, interactionID string, response *contracts.InteractionResponse, source string) {
	b.mu.Lock()
	pending, ok := b.pending[interactionID]
	if ok {
		delete(b.pending, interactionID)
		if pending.signature != "" {
			delete(b.sigIndex, pending.signature)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	pending.stopTimer()

	approved := true
	if response != nil {
		approved = response.Approved
	}
	// Complete outside the lock; buffered so resolution never blocks.
	pending.decision <- approved

	slog.Info("Approval resolved",
		"interaction_id", interactionID,
		"task_id", pending.request.TaskID,
		"source", source)
}

// DenyAll resolves every pending approval as denied. Used when the caller
// cancels a live turn.
func (b *Broker) DenyAll(ctx context.Context, source string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Resolve(ctx, id, &contracts.InteractionResponse{
			InteractionID:   id,
			InteractionType: contracts.InteractionToolApproval,
			Approved:        false,
		}, source)
	}
}

// ListPending returns a snapshot of pending approvals with expiry times.
func (b *Broker) ListPending() []PendingInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingInfo, 0, len(b.pending))
	for id, pending := range b.pending {
		toolName, _ := pending.request.Content["tool_name"].(string)
		out = append(out, PendingInfo{
			InteractionID: id,
			ToolName:      toolName,
			CreatedAt:     pending.createdAt,
			ExpiresAt:     pending.createdAt.Add(b.timeout),
			Metadata:      pending.request.Metadata,
		})
	}
	return out
}

// Finalize waits for all in-flight timeout tasks to complete.
func (b *Broker) Finalize() {
	b.timers.Wait()
}

// Close cancels all pending timers and forbids new registrations.
// Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*pendingApproval)
	b.sigIndex = make(map[string]string)
	b.mu.Unlock()

	for _, p := range pending {
		p.stopTimer()
	}
}

func (b *Broker) handleTimeout(timerCtx context.Context, interactionID string) {
	defer b.timers.Done()

	select {
	case <-time.After(b.timeout):
	case <-timerCtx.Done():
		return
	}

	b.mu.Lock()
	_, stillPending := b.pending[interactionID]
	closed := b.closed
	b.mu.Unlock()
	if !stillPending || closed {
		return
	}

	policy := b.fallbackPolicy
	if policy != PolicyAutoApprove && policy != PolicyAutoCancel {
		slog.Warn("Approval timed out with manual policy; leaving unresolved",
			"interaction_id", interactionID, "policy", policy)
		return
	}

	approved := policy == PolicyAutoApprove
	response := &contracts.InteractionResponse{
		InteractionID:   interactionID,
		InteractionType: contracts.InteractionToolApproval,
		Approved:        approved,
		Metadata: map[string]any{
			contracts.MetaAutoTimeout: true,
			"policy":                  policy,
		},
	}

	slog.Info("Approval timeout fallback triggered",
		"interaction_id", interactionID, "approved", approved, "policy", policy)

	// Deliver the synthesized decision downstream before resolving locally,
	// so observers see it in order.
	ctx := context.Background()
	if b.communicator != nil {
		if err := b.communicator.SendUserResponse(ctx, response); err != nil {
			slog.Warn("Failed to deliver fallback approval response",
				"interaction_id", interactionID, "error", err)
		}
	}

	b.Resolve(ctx, interactionID, response, SourceTimeout)
}

func proposalPayload(chunk *contracts.StreamChunk) (string, map[string]any) {
	switch content := chunk.Content.(type) {
	case *contracts.ToolProposalContent:
		return content.ToolName, content.Arguments
	case contracts.ToolProposalContent:
		return content.ToolName, content.Arguments
	case map[string]any:
		name, _ := content["tool_name"].(string)
		args, _ := content["arguments"].(map[string]any)
		if name == "" {
			name = chunk.MetaString(contracts.MetaToolName)
		}
		return name, args
	default:
		return chunk.MetaString(contracts.MetaToolName), nil
	}
}

func buildSignature(toolName string, args map[string]any) string {
	if toolName == "" {
		return ""
	}
	normalized := args
	if normalized == nil {
		normalized = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{"tool": toolName, "args": normalized})
	if err != nil {
		return toolName
	}
	return string(data)
}

func lookupBool(m map[string]any, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
