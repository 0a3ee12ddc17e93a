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

package contracts

// ChunkType is the coarse classification of a stream chunk.
type ChunkType string

const (
	ChunkPlanDelta    ChunkType = "plan_delta"
	ChunkPlanSummary  ChunkType = "plan_summary"
	ChunkProgress     ChunkType = "progress"
	ChunkToolProposal ChunkType = "tool_proposal"
	ChunkToolResult   ChunkType = "tool_result"
	ChunkResponse     ChunkType = "response"
	ChunkComplete     ChunkType = "complete"
	ChunkError        ChunkType = "error"
)

// Finer-grained chunk kinds.
const (
	KindPlanDelta    = "plan.delta"
	KindPlanSummary  = "plan.summary"
	KindToolProposal = "tool.proposal"
	KindToolResult   = "tool.result"
)

// Stream metadata keys.
const (
	MetaStage              = "stage"
	MetaRequiresApproval   = "requires_approval"
	MetaInteractionTimeout = "interaction_timeout_seconds"
	MetaApprovalPolicy     = "approval_policy"
	MetaToolName           = "tool_name"
	MetaAutoTimeout        = "auto_timeout"
	MetaSynthetic          = "synthetic"
)

// StreamChunk is the canonical event of the live output stream.
//
// SequenceID is strictly monotonic per task; chunks are delivered in
// emission order. InteractionID, when set on a TOOL_PROPOSAL, is the stable
// handle for submitting an approval decision.
type StreamChunk struct {
	TaskID        string         `json:"task_id"`
	SequenceID    int64          `json:"sequence_id"`
	ChunkType     ChunkType      `json:"chunk_type"`
	ChunkKind     string         `json:"chunk_kind,omitempty"`
	Content       any            `json:"content,omitempty"`
	IsFinal       bool           `json:"is_final"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	InteractionID string         `json:"interaction_id,omitempty"`
}

// ToolProposalContent is the structured content of a TOOL_PROPOSAL chunk.
type ToolProposalContent struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	ID        string         `json:"id,omitempty"`
}

// SetMeta initializes the metadata map if needed and stores a key.
func (c *StreamChunk) SetMeta(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// MetaString fetches a string metadata value, empty when absent.
func (c *StreamChunk) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}

// MetaBool fetches a bool metadata value.
func (c *StreamChunk) MetaBool(key string) bool {
	if c.Metadata == nil {
		return false
	}
	b, _ := c.Metadata[key].(bool)
	return b
}

// InteractionType classifies interaction requests.
type InteractionType string

const (
	InteractionToolApproval InteractionType = "tool_approval"
	InteractionUserInput    InteractionType = "user_input"
)

// InteractionRequest asks the caller for a decision, typically tool approval.
type InteractionRequest struct {
	InteractionID   string          `json:"interaction_id"`
	InteractionType InteractionType `json:"interaction_type"`
	TaskID          string          `json:"task_id"`
	Content         map[string]any  `json:"content,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// InteractionResponse is the caller's decision for a pending interaction.
type InteractionResponse struct {
	InteractionID   string          `json:"interaction_id"`
	InteractionType InteractionType `json:"interaction_type"`
	Approved        bool            `json:"approved"`
	UserMessage     string          `json:"user_message,omitempty"`
	ResponseData    map[string]any  `json:"response_data,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}
