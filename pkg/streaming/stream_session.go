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

// Package streaming provides the caller-facing handle over a live turn:
// chunk iteration, approval submission, mid-turn messages, cancellation,
// and pending-interaction listing.
package streaming

import (
	"context"
	"iter"
	"sync"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/live"
)

// StreamSession wraps a live chunk stream and its communicator.
type StreamSession struct {
	id            string
	chunks        <-chan *contracts.StreamChunk
	communicator  live.Communicator
	broker        *live.Broker
	chatSessionID contracts.ChatSessionID
	agentID       contracts.AgentID

	closeOnce sync.Once
}

// Config assembles a stream session.
type Config struct {
	TaskID        string
	ChatSessionID contracts.ChatSessionID
	AgentID       contracts.AgentID
	Chunks        <-chan *contracts.StreamChunk
	Communicator  live.Communicator
	Broker        *live.Broker
}

// New creates a stream session.
func New(cfg Config) *StreamSession {
	return &StreamSession{
		id:            cfg.TaskID,
		chunks:        cfg.Chunks,
		communicator:  cfg.Communicator,
		broker:        cfg.Broker,
		chatSessionID: cfg.ChatSessionID,
		agentID:       cfg.AgentID,
	}
}

// TaskID returns the task this stream belongs to.
func (s *StreamSession) TaskID() string { return s.id }

// ChatSessionID returns the business chat session id.
func (s *StreamSession) ChatSessionID() contracts.ChatSessionID { return s.chatSessionID }

// AgentID returns the executing agent.
func (s *StreamSession) AgentID() contracts.AgentID { return s.agentID }

// Chunks iterates the stream until the source is exhausted or ctx ends.
func (s *StreamSession) Chunks(ctx context.Context) iter.Seq[*contracts.StreamChunk] {
	return func(yield func(*contracts.StreamChunk) bool) {
		for {
			select {
			case chunk, ok := <-s.chunks:
				if !ok {
					return
				}
				if !yield(chunk) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Next blocks for the next chunk. Returns false when the stream ends.
func (s *StreamSession) Next(ctx context.Context) (*contracts.StreamChunk, bool) {
	select {
	case chunk, ok := <-s.chunks:
		return chunk, ok
	case <-ctx.Done():
		return nil, false
	}
}

// ApproveTool submits a decision for a pending tool proposal.
func (s *StreamSession) ApproveTool(ctx context.Context, interactionID string, approved bool, userMessage string) error {
	response := &contracts.InteractionResponse{
		InteractionID:   interactionID,
		InteractionType: contracts.InteractionToolApproval,
		Approved:        approved,
		UserMessage:     userMessage,
	}
	return s.communicator.SendUserResponse(ctx, response)
}

// SendUserMessage feeds more user input into the running turn.
func (s *StreamSession) SendUserMessage(ctx context.Context, text string) error {
	return s.communicator.SendUserMessage(ctx, text)
}

// Cancel asks the running turn to terminate. Pending approvals resolve as
// denied on behalf of the user.
func (s *StreamSession) Cancel(ctx context.Context, reason string) error {
	if err := s.communicator.SendCancellation(ctx, reason); err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.DenyAll(ctx, live.SourceUser)
	}
	return nil
}

// ListPendingInteractions snapshots the broker's pending approvals.
func (s *StreamSession) ListPendingInteractions() []live.PendingInfo {
	if s.broker == nil {
		return nil
	}
	return s.broker.ListPending()
}

// Close shuts down the communicator and broker. Idempotent.
func (s *StreamSession) Close() {
	s.closeOnce.Do(func() {
		// The approval-aware communicator closes its broker; closing the
		// broker directly as well keeps bare communicators safe too.
		if s.broker != nil {
			s.broker.Close()
		}
		s.communicator.Close()
	})
}
