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

// Package contracts defines the data structures exchanged between Loom's
// layers: task requests and results, the streaming chunk taxonomy, agent
// configuration, interaction (approval) messages, and the error taxonomy.
//
// Everything in this package is plain data. Behavior lives in the packages
// that own the corresponding lifecycle (pkg/runner, pkg/session, pkg/live).
package contracts

import (
	"time"
)

// ExecutionMode selects how a task is executed.
type ExecutionMode string

const (
	ExecutionModeSync      ExecutionMode = "sync"
	ExecutionModeStreaming ExecutionMode = "streaming"
	ExecutionModeLive      ExecutionMode = "live"
)

// TaskRequest is the single entry type the framework adapter accepts.
//
// Exactly one of the two request shapes must be present:
//   - creation mode: AgentConfig set, AgentID empty
//   - conversation mode: AgentID and SessionID set
type TaskRequest struct {
	TaskID      string `json:"task_id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`

	// AgentConfig triggers creation mode when set without AgentID.
	AgentConfig *AgentConfig `json:"agent_config,omitempty"`

	// AgentID plus SessionID trigger conversation mode.
	AgentID AgentID `json:"agent_id,omitempty"`

	// SessionID is the business chat session id. It is the only session
	// identity callers ever see; engine session ids never leave metadata.
	SessionID ChatSessionID `json:"chat_session_id,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	UserContext      *UserContext      `json:"user_context,omitempty"`
	ExecutionContext *ExecutionContext `json:"execution_context,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsCreationMode reports whether the request asks for a new agent.
func (r *TaskRequest) IsCreationMode() bool {
	return r.AgentConfig != nil && r.AgentID == ""
}

// IsConversationMode reports whether the request continues a conversation.
func (r *TaskRequest) IsConversationMode() bool {
	return r.AgentID != "" && r.SessionID != ""
}

// Message is a single conversational message.
//
// Content carries plain text. Parts carries multimodal or structured content;
// when Parts is non-empty it takes precedence over Content.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"content_parts,omitempty"`

	// ToolCallID links tool-result messages back to the originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the textual content of the message, flattening parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// ContentPart is one element of a multimodal message: text, an image
// reference, or a function-call descriptor.
type ContentPart struct {
	Text           string         `json:"text,omitempty"`
	ImageReference *ImageRef      `json:"image_reference,omitempty"`
	FunctionCall   *FunctionCall  `json:"function_call,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ImageRef points at image content by URL or inline data.
type ImageRef struct {
	URL      string         `json:"url,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FunctionCall describes a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// UserContext carries caller identity.
type UserContext struct {
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResolvedUserID returns the user id, falling back when unset.
func (u *UserContext) ResolvedUserID(fallback string) string {
	if u == nil || u.UserID == "" {
		return fallback
	}
	return u.UserID
}

// ExecutionContext carries per-execution options.
type ExecutionContext struct {
	ExecutionID   string         `json:"execution_id,omitempty"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
