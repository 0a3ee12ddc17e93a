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

// Package engine models the opaque model-execution side of Loom: the event
// stream a generator yields, the live request queue for mid-turn input, and
// the per-runner engine session store.
//
// The language-model call itself is outside Loom's scope. It is represented
// by the Generator interface; Loom only consumes its typed events.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
)

// Event authors.
const (
	AuthorUser   = "user"
	AuthorModel  = "model"
	AuthorSystem = "system"
)

// Stage values carried in event metadata.
const (
	StagePlan       = "plan"
	StageTool       = "tool"
	StageToolResult = "tool_result"
)

// Event is one opaque engine event. The converter in pkg/agent translates
// events into the canonical StreamChunk taxonomy.
type Event struct {
	// ID is the unique identifier for this event.
	ID string

	// InvocationID links the event to its turn.
	InvocationID string

	// Author produced this event: AuthorUser, AuthorModel, or an agent name.
	Author string

	// Parts is the event payload: text, a function call, or a function
	// response.
	Parts []Part

	// Partial marks a streaming fragment rather than a complete message.
	Partial bool

	// TurnComplete marks the final event of a turn.
	TurnComplete bool

	// RequiresApproval gates the function call in this event behind a
	// human decision.
	RequiresApproval bool

	// ErrorCode is non-empty for error events.
	ErrorCode    string
	ErrorMessage string

	// Metadata carries engine annotations (e.g. stage=plan, plan_text).
	// CustomMetadata carries application annotations and wins on key
	// conflict when the two are merged downstream.
	Metadata       map[string]any
	CustomMetadata map[string]any

	Timestamp time.Time
}

// Part is one element of an event payload.
type Part struct {
	Text             string
	FunctionCall     *contracts.FunctionCall
	FunctionResponse *FunctionResponse
}

// FunctionResponse is the outcome of a tool invocation.
type FunctionResponse struct {
	ID      string
	Name    string
	Result  map[string]any
	IsError bool
}

// NewEvent creates an event with a generated id and current timestamp.
func NewEvent(invocationID, author string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now(),
	}
}

// NewTextEvent creates a complete text event.
func NewTextEvent(invocationID, author, text string) *Event {
	ev := NewEvent(invocationID, author)
	ev.Parts = []Part{{Text: text}}
	return ev
}

// Text returns the concatenated text parts of the event.
func (e *Event) Text() string {
	var out string
	for _, p := range e.Parts {
		out += p.Text
	}
	return out
}

// FunctionCall returns the first function-call part, or nil.
func (e *Event) FunctionCall() *contracts.FunctionCall {
	for _, p := range e.Parts {
		if p.FunctionCall != nil {
			return p.FunctionCall
		}
	}
	return nil
}

// FunctionResponse returns the first function-response part, or nil.
func (e *Event) FunctionResponse() *FunctionResponse {
	for _, p := range e.Parts {
		if p.FunctionResponse != nil {
			return p.FunctionResponse
		}
	}
	return nil
}

// MergedMetadata merges Metadata and CustomMetadata; custom wins on
// key conflict. Always returns a non-nil map.
func (e *Event) MergedMetadata() map[string]any {
	out := make(map[string]any, len(e.Metadata)+len(e.CustomMetadata))
	for k, v := range e.Metadata {
		out[k] = v
	}
	for k, v := range e.CustomMetadata {
		out[k] = v
	}
	return out
}

// Message converts the event into a conversational message for history
// extraction. Tool calls and results keep their linkage metadata.
func (e *Event) Message() contracts.Message {
	role := e.Author
	if role != AuthorUser && role != AuthorSystem {
		role = "assistant"
	}
	msg := contracts.Message{Role: role, Content: e.Text()}
	if fc := e.FunctionCall(); fc != nil {
		msg.Parts = append(msg.Parts, contracts.ContentPart{FunctionCall: fc})
	}
	if fr := e.FunctionResponse(); fr != nil {
		msg.Role = "tool"
		msg.ToolCallID = fr.ID
		msg.Metadata = map[string]any{"tool_name": fr.Name, "result": fr.Result}
	}
	return msg
}
