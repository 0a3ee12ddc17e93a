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

// Package live implements the bidirectional side of a live turn: the
// communicator that feeds user input into a running generator, and the
// approval broker that gates tool execution on human decisions.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

// ErrCommunicatorClosed is returned by every sink operation after Close.
var ErrCommunicatorClosed = errors.New("communicator is closed")

// Communicator is the caller-side sink of a live turn. Exactly four
// operations; all fail with ErrCommunicatorClosed once closed.
type Communicator interface {
	// SendUserMessage continues the turn with more user input.
	SendUserMessage(ctx context.Context, text string) error

	// SendUserResponse delivers a decision for a pending interaction.
	SendUserResponse(ctx context.Context, response *contracts.InteractionResponse) error

	// SendCancellation asks the running turn to terminate.
	SendCancellation(ctx context.Context, reason string) error

	// Close shuts the channel down. Idempotent.
	Close()
}

// QueueCommunicator feeds a generator's LiveQueue. An optional history
// recorder mirrors user text into the engine session store best-effort.
type QueueCommunicator struct {
	queue    *engine.LiveQueue
	recorder *SessionHistoryRecorder

	mu     sync.Mutex
	closed bool
}

// NewQueueCommunicator wraps a live queue.
func NewQueueCommunicator(queue *engine.LiveQueue, recorder *SessionHistoryRecorder) *QueueCommunicator {
	return &QueueCommunicator{queue: queue, recorder: recorder}
}

func (c *QueueCommunicator) SendUserMessage(ctx context.Context, text string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.queue.SendEvent(engine.NewTextEvent(uuid.NewString(), engine.AuthorUser, text)); err != nil {
		return err
	}
	c.recordUserText(ctx, text)
	return nil
}

func (c *QueueCommunicator) SendUserResponse(ctx context.Context, response *contracts.InteractionResponse) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	decision := "Denied"
	if response.Approved {
		decision = "Approved"
	}
	text := fmt.Sprintf("User response to %s (ID: %s): %s",
		response.InteractionType, response.InteractionID, decision)
	if response.UserMessage != "" {
		text += " - " + response.UserMessage
	}

	ev := engine.NewTextEvent(uuid.NewString(), engine.AuthorUser, text)
	ev.CustomMetadata = map[string]any{
		"interaction_id": response.InteractionID,
		"approved":       response.Approved,
	}
	if err := c.queue.SendEvent(ev); err != nil {
		return err
	}
	c.recordUserText(ctx, text)
	return nil
}

func (c *QueueCommunicator) SendCancellation(ctx context.Context, reason string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if reason == "" {
		reason = "user_cancelled"
	}
	if err := c.queue.SendCancel(reason); err != nil {
		return err
	}
	c.recordUserText(ctx, "CANCELLATION_REQUEST: "+reason)
	return nil
}

func (c *QueueCommunicator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue.Close()
}

func (c *QueueCommunicator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCommunicatorClosed
	}
	return nil
}

func (c *QueueCommunicator) recordUserText(ctx context.Context, text string) {
	if c.recorder == nil {
		return
	}
	// Recording never blocks the live flow.
	c.recorder.RecordUserText(ctx, text)
}

// ApprovalAwareCommunicator notifies the broker after a user response is
// delivered, so pending approvals resolve with source "user".
type ApprovalAwareCommunicator struct {
	delegate Communicator
	broker   *Broker
}

// NewApprovalAwareCommunicator wraps a communicator with broker resolution.
func NewApprovalAwareCommunicator(delegate Communicator, broker *Broker) *ApprovalAwareCommunicator {
	return &ApprovalAwareCommunicator{delegate: delegate, broker: broker}
}

func (c *ApprovalAwareCommunicator) SendUserMessage(ctx context.Context, text string) error {
	return c.delegate.SendUserMessage(ctx, text)
}

func (c *ApprovalAwareCommunicator) SendUserResponse(ctx context.Context, response *contracts.InteractionResponse) error {
	if err := c.delegate.SendUserResponse(ctx, response); err != nil {
		return err
	}
	c.broker.Resolve(ctx, response.InteractionID, response, SourceUser)
	return nil
}

func (c *ApprovalAwareCommunicator) SendCancellation(ctx context.Context, reason string) error {
	return c.delegate.SendCancellation(ctx, reason)
}

func (c *ApprovalAwareCommunicator) Close() {
	c.broker.Close()
	c.delegate.Close()
}

// Broker returns the wrapped broker.
func (c *ApprovalAwareCommunicator) Broker() *Broker { return c.broker }

// Delegate returns the wrapped communicator.
func (c *ApprovalAwareCommunicator) Delegate() Communicator { return c.delegate }

// SessionHistoryRecorder mirrors user input into the engine session store.
// All failures are logged at debug and swallowed.
type SessionHistoryRecorder struct {
	sessions  engine.Service
	sessionID contracts.EngineSessionID
}

// NewSessionHistoryRecorder creates a recorder for one engine session.
func NewSessionHistoryRecorder(sessions engine.Service, sessionID contracts.EngineSessionID) *SessionHistoryRecorder {
	return &SessionHistoryRecorder{sessions: sessions, sessionID: sessionID}
}

// RecordUserText appends a user text event to the session, best-effort.
func (r *SessionHistoryRecorder) RecordUserText(ctx context.Context, text string) {
	if r == nil || r.sessions == nil || r.sessionID == "" || text == "" {
		return
	}
	ev := engine.NewTextEvent(uuid.NewString(), engine.AuthorUser, text)
	if err := r.sessions.AppendEvent(ctx, r.sessionID, ev); err != nil {
		slog.Debug("Failed to mirror user message to session history",
			"session_id", r.sessionID, "error", err)
	}
}

var (
	_ Communicator = (*QueueCommunicator)(nil)
	_ Communicator = (*ApprovalAwareCommunicator)(nil)
)
