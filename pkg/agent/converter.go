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

package agent

import (
	"fmt"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

// EventConverter translates opaque engine events into the canonical
// StreamChunk taxonomy for one task.
//
// The converter is stateful: it assigns strictly monotonic sequence ids and
// remembers which proposal interaction ids it has emitted, so a tool result
// arriving without a prior proposal gets a synthetic proposal injected
// first. That invariant keeps client state machines simple even when a
// model skips the proposal event.
type EventConverter struct {
	taskID    string
	nextSeq   int64
	proposals map[string]bool
}

// NewEventConverter creates a converter for a task's stream.
func NewEventConverter(taskID string) *EventConverter {
	return &EventConverter{
		taskID:    taskID,
		proposals: make(map[string]bool),
	}
}

// Convert translates one engine event into zero or more chunks. Unknown
// event shapes convert to nothing. A failed conversion yields a single
// ERROR chunk; the stream continues.
func (c *EventConverter) Convert(ev *engine.Event) (chunks []*contracts.StreamChunk) {
	defer func() {
		if r := recover(); r != nil {
			chunk := c.newChunk(contracts.ChunkError, fmt.Sprintf("event conversion error: %v", r))
			chunk.IsFinal = true
			chunk.SetMeta("error_type", "event_conversion_error")
			chunks = []*contracts.StreamChunk{chunk}
		}
	}()

	if ev == nil {
		return nil
	}

	meta := ev.MergedMetadata()

	// Plan events carry stage=plan plus the plan text in metadata.
	if stage, _ := meta[contracts.MetaStage].(string); stage == engine.StagePlan {
		return c.convertPlan(ev, meta)
	}

	if fc := ev.FunctionCall(); fc != nil {
		return []*contracts.StreamChunk{c.convertFunctionCall(ev, fc, meta)}
	}

	if fr := ev.FunctionResponse(); fr != nil {
		return c.convertFunctionResponse(fr, meta)
	}

	if text := ev.Text(); text != "" {
		return []*contracts.StreamChunk{c.convertText(ev, text)}
	}

	if ev.TurnComplete {
		chunk := c.newChunk(contracts.ChunkComplete, "turn completed")
		chunk.IsFinal = true
		chunk.SetMeta("author", ev.Author)
		return []*contracts.StreamChunk{chunk}
	}

	if ev.ErrorCode != "" {
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		chunk := c.newChunk(contracts.ChunkError, msg)
		chunk.IsFinal = true
		chunk.SetMeta("error_code", ev.ErrorCode)
		chunk.SetMeta("author", ev.Author)
		return []*contracts.StreamChunk{chunk}
	}

	// Everything else is engine housekeeping; filter it out.
	return nil
}

func (c *EventConverter) convertPlan(ev *engine.Event, meta map[string]any) []*contracts.StreamChunk {
	planText, _ := meta["plan_text"].(string)

	chunkType := contracts.ChunkPlanDelta
	kind := contracts.KindPlanDelta
	final := false
	if isFinal, _ := meta["plan_final"].(bool); isFinal || ev.TurnComplete {
		chunkType = contracts.ChunkPlanSummary
		kind = contracts.KindPlanSummary
		final = true
	}

	chunk := c.newChunk(chunkType, map[string]any{"text": planText})
	chunk.ChunkKind = kind
	chunk.IsFinal = final
	chunk.Metadata = meta
	return []*contracts.StreamChunk{chunk}
}

func (c *EventConverter) convertFunctionCall(ev *engine.Event, fc *contracts.FunctionCall, meta map[string]any) *contracts.StreamChunk {
	chunk := c.newChunk(contracts.ChunkToolProposal, &contracts.ToolProposalContent{
		ToolName:  fc.Name,
		Arguments: fc.Args,
		ID:        fc.ID,
	})
	chunk.ChunkKind = contracts.KindToolProposal

	interactionID := fc.ID
	if interactionID == "" {
		interactionID = fmt.Sprintf("tool-%d", chunk.SequenceID)
	}
	chunk.InteractionID = interactionID
	c.proposals[interactionID] = true

	chunk.SetMeta(contracts.MetaStage, "tool")
	chunk.SetMeta(contracts.MetaToolName, fc.Name)
	requires := ev.RequiresApproval
	if v, ok := meta[contracts.MetaRequiresApproval].(bool); ok {
		requires = v
	}
	chunk.SetMeta(contracts.MetaRequiresApproval, requires)
	chunk.SetMeta("author", ev.Author)
	return chunk
}

func (c *EventConverter) convertFunctionResponse(fr *engine.FunctionResponse, meta map[string]any) []*contracts.StreamChunk {
	interactionID := fr.ID

	var chunks []*contracts.StreamChunk
	if interactionID == "" || !c.proposals[interactionID] {
		// The model skipped the proposal. Inject a synthetic one so every
		// TOOL_RESULT in the stream has a matching prior TOOL_PROPOSAL.
		toolName := fr.Name
		if toolName == "" {
			toolName, _ = meta[contracts.MetaToolName].(string)
		}
		proposal := c.newChunk(contracts.ChunkToolProposal, &contracts.ToolProposalContent{
			ToolName: toolName,
		})
		proposal.ChunkKind = contracts.KindToolProposal
		if interactionID == "" {
			interactionID = fmt.Sprintf("tool-%d", proposal.SequenceID)
		}
		proposal.InteractionID = interactionID
		proposal.SetMeta(contracts.MetaStage, "tool")
		proposal.SetMeta(contracts.MetaToolName, toolName)
		proposal.SetMeta(contracts.MetaSynthetic, true)
		proposal.SetMeta(contracts.MetaRequiresApproval, false)
		c.proposals[interactionID] = true
		chunks = append(chunks, proposal)
	}

	result := c.newChunk(contracts.ChunkToolResult, fr.Result)
	result.ChunkKind = contracts.KindToolResult
	result.InteractionID = interactionID
	result.SetMeta(contracts.MetaStage, engine.StageToolResult)
	result.SetMeta(contracts.MetaToolName, fr.Name)
	if fr.IsError {
		result.SetMeta("is_error", true)
	}
	return append(chunks, result)
}

func (c *EventConverter) convertText(ev *engine.Event, text string) *contracts.StreamChunk {
	chunk := c.newChunk(contracts.ChunkResponse, text)
	chunk.IsFinal = !ev.Partial
	chunk.SetMeta("author", ev.Author)
	chunk.SetMeta("turn_complete", ev.TurnComplete)
	return chunk
}

func (c *EventConverter) newChunk(chunkType contracts.ChunkType, content any) *contracts.StreamChunk {
	seq := c.nextSeq
	c.nextSeq++
	return &contracts.StreamChunk{
		TaskID:     c.taskID,
		SequenceID: seq,
		ChunkType:  chunkType,
		Content:    content,
	}
}
