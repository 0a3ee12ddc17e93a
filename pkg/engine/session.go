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

package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/contracts"
)

// ErrSessionNotFound is returned when an engine session doesn't exist.
var ErrSessionNotFound = errors.New("engine session not found")

// Session is one engine session: the event history for a single activation
// of one agent. Each runner owns a private Service; sessions are never
// shared across runners.
type Session interface {
	// ID returns the engine session identifier.
	ID() contracts.EngineSessionID

	// AppName returns the owning application name.
	AppName() string

	// UserID returns the user identifier.
	UserID() string

	// Events returns the session event history.
	Events() Events

	// LastUpdateTime returns when the session was last modified.
	LastUpdateTime() time.Time
}

// Events is a read view over a session's event history.
type Events interface {
	All() iter.Seq[*Event]
	Len() int
	At(i int) *Event
}

// Service manages engine session lifecycle inside one runner.
type Service interface {
	Get(ctx context.Context, id contracts.EngineSessionID) (Session, error)
	Create(ctx context.Context, req *CreateRequest) (Session, error)
	AppendEvent(ctx context.Context, id contracts.EngineSessionID, event *Event) error
	Delete(ctx context.Context, id contracts.EngineSessionID) error
	List(ctx context.Context) []Session
	Count() int
}

// CreateRequest contains parameters for creating an engine session.
type CreateRequest struct {
	AppName   string
	UserID    string
	SessionID contracts.EngineSessionID // generated if empty

	// History seeds the new session, oldest first. Used when an agent
	// switch migrates a chat's conversation into a fresh session.
	History []contracts.Message
}

// memorySession is the in-memory Session implementation.
type memorySession struct {
	id             contracts.EngineSessionID
	appName        string
	userID         string
	events         *memoryEvents
	lastUpdateTime time.Time
	mu             sync.RWMutex
}

func (s *memorySession) ID() contracts.EngineSessionID { return s.id }
func (s *memorySession) AppName() string               { return s.appName }
func (s *memorySession) UserID() string                { return s.userID }
func (s *memorySession) Events() Events                { return s.events }

func (s *memorySession) LastUpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdateTime
}

func (s *memorySession) appendEvent(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.append(event)
	s.lastUpdateTime = time.Now()
}

type memoryEvents struct {
	events []*Event
	mu     sync.RWMutex
}

func (e *memoryEvents) All() iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		for _, ev := range e.events {
			if !yield(ev) {
				return
			}
		}
	}
}

func (e *memoryEvents) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.events)
}

func (e *memoryEvents) At(i int) *Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i < 0 || i >= len(e.events) {
		return nil
	}
	return e.events[i]
}

func (e *memoryEvents) append(event *Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// InMemoryService returns an in-memory engine session service. This is the
// only implementation: durable session storage is out of scope.
func InMemoryService() Service {
	return &inMemoryService{sessions: make(map[contracts.EngineSessionID]*memorySession)}
}

type inMemoryService struct {
	sessions map[contracts.EngineSessionID]*memorySession
	mu       sync.RWMutex
}

func (s *inMemoryService) Get(ctx context.Context, id contracts.EngineSessionID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *inMemoryService) Create(ctx context.Context, req *CreateRequest) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.SessionID
	if id == "" {
		id = contracts.EngineSessionID(uuid.NewString())
	}

	sess := &memorySession{
		id:             id,
		appName:        req.AppName,
		userID:         req.UserID,
		events:         &memoryEvents{},
		lastUpdateTime: time.Now(),
	}
	for _, msg := range req.History {
		sess.events.append(messageToEvent(msg))
	}

	s.sessions[id] = sess
	return sess, nil
}

func (s *inMemoryService) AppendEvent(ctx context.Context, id contracts.EngineSessionID, event *Event) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.appendEvent(event)
	return nil
}

func (s *inMemoryService) Delete(ctx context.Context, id contracts.EngineSessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *inMemoryService) List(ctx context.Context) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *inMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ExtractHistory converts a session's events into ordered messages,
// including tool-call and tool-result entries.
func ExtractHistory(sess Session) []contracts.Message {
	var out []contracts.Message
	for ev := range sess.Events().All() {
		if ev.Text() == "" && ev.FunctionCall() == nil && ev.FunctionResponse() == nil {
			continue
		}
		out = append(out, ev.Message())
	}
	return out
}

// messageToEvent builds a history event from a conversational message.
func messageToEvent(msg contracts.Message) *Event {
	author := AuthorModel
	switch msg.Role {
	case "user":
		author = AuthorUser
	case "system":
		author = AuthorSystem
	}
	ev := NewEvent(uuid.NewString(), author)
	if msg.Content != "" {
		ev.Parts = append(ev.Parts, Part{Text: msg.Content})
	}
	for _, p := range msg.Parts {
		ev.Parts = append(ev.Parts, Part{Text: p.Text, FunctionCall: p.FunctionCall})
	}
	if msg.Role == "tool" && msg.Metadata != nil {
		name, _ := msg.Metadata["tool_name"].(string)
		result, _ := msg.Metadata["result"].(map[string]any)
		ev.Parts = append(ev.Parts, Part{FunctionResponse: &FunctionResponse{
			ID:     msg.ToolCallID,
			Name:   name,
			Result: result,
		}})
	}
	return ev
}

var (
	_ Session = (*memorySession)(nil)
	_ Events  = (*memoryEvents)(nil)
	_ Service = (*inMemoryService)(nil)
)
