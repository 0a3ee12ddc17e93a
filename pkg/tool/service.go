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

package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/loom/pkg/live"
	"github.com/kadirpekel/loom/pkg/registry"
)

// Approver obtains a human decision before a gated tool runs. The approval
// broker implements this; a nil Approver means no gating.
type Approver interface {
	WaitForToolApproval(ctx context.Context, toolName string, args map[string]any) (*live.Decision, error)
}

// Execution is the outcome of one tool invocation through the service.
type Execution struct {
	ToolName      string
	Result        map[string]any
	Denied        bool
	InteractionID string
	Err           error
}

// Service owns the registered tools and executes them with approval gating.
type Service struct {
	tools *registry.BaseRegistry[Tool]
}

// NewService creates an empty tool service.
func NewService() *Service {
	return &Service{tools: registry.NewBaseRegistry[Tool]()}
}

// Register adds a tool. Names must be unique.
func (s *Service) Register(t Tool) error {
	return s.tools.Register(t.Name(), t)
}

// Get looks up a tool by name.
func (s *Service) Get(name string) (Tool, bool) {
	return s.tools.Get(name)
}

// Names returns the registered tool names.
func (s *Service) Names() []string {
	return s.tools.Keys()
}

// ApprovalRequirements returns the per-tool approval gating map consumed by
// the broker for proposals that don't carry requires_approval themselves.
func (s *Service) ApprovalRequirements() map[string]bool {
	out := make(map[string]bool)
	for _, t := range s.tools.List() {
		out[t.Name()] = t.RequiresApproval()
	}
	return out
}

// Execute runs a tool by name. When approver is non-nil and a matching
// proposal is pending, execution blocks until the decision arrives; a denial
// short-circuits without invoking the tool.
//
// Tools are at-least-once: the service never retries, and idempotency is
// the tool's responsibility.
func (s *Service) Execute(ctx context.Context, name string, args map[string]any, approver Approver) *Execution {
	exec := &Execution{ToolName: name}

	t, ok := s.tools.Get(name)
	if !ok {
		exec.Err = fmt.Errorf("tool not found: %s", name)
		return exec
	}

	if approver != nil {
		decision, err := approver.WaitForToolApproval(ctx, name, args)
		if err != nil {
			exec.Err = fmt.Errorf("approval wait for %s: %w", name, err)
			return exec
		}
		exec.InteractionID = decision.InteractionID
		if !decision.Approved {
			exec.Denied = true
			exec.Result = map[string]any{
				"status": "cancelled",
				"error":  decision.Err,
			}
			slog.Info("Tool execution denied", "tool", name,
				"interaction_id", decision.InteractionID)
			return exec
		}
	}

	switch impl := t.(type) {
	case CallableTool:
		result, err := impl.Call(ctx, args)
		exec.Result = result
		exec.Err = err
	case StreamingTool:
		exec.Result, exec.Err = drainStream(ctx, impl, args)
	default:
		exec.Err = fmt.Errorf("tool %s implements neither CallableTool nor StreamingTool", name)
	}

	if exec.Err != nil {
		slog.Warn("Tool execution failed", "tool", name, "error", exec.Err)
	}
	return exec
}

// drainStream collects a streaming tool's output into a final result map.
func drainStream(ctx context.Context, t StreamingTool, args map[string]any) (map[string]any, error) {
	var chunks []any
	var final any
	for res, err := range t.CallStreaming(ctx, args) {
		if err != nil {
			return nil, err
		}
		if res.Error != "" {
			return nil, fmt.Errorf("%s", res.Error)
		}
		if res.Streaming {
			chunks = append(chunks, res.Content)
			continue
		}
		final = res.Content
	}
	out := map[string]any{"result": final}
	if len(chunks) > 0 {
		out["chunks"] = chunks
	}
	return out, nil
}
