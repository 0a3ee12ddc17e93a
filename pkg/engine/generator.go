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
	"fmt"
	"iter"
)

// Request is the input to one generator turn.
type Request struct {
	// InvocationID identifies the turn.
	InvocationID string

	// SystemPrompt and Model come from the agent config.
	SystemPrompt string
	Model        string

	// History is the prior conversation, oldest first.
	History []Event

	// Messages is the new user input for this turn.
	Messages []Event

	// Tools lists tool names the model may call.
	Tools []string
}

// Generator yields typed events for a model turn. Implementations wrap a
// concrete model provider; Loom treats them as opaque.
//
// The returned sequence terminates after an event with TurnComplete or an
// event with a non-empty ErrorCode, or when ctx is cancelled.
type Generator interface {
	// Generate runs a single request/response turn.
	Generate(ctx context.Context, req *Request) iter.Seq2[*Event, error]

	// GenerateLive runs a bidirectional turn: mid-turn user input arrives
	// through the queue, and the generator observes queue closure or
	// cancellation at its next suspension point.
	GenerateLive(ctx context.Context, req *Request, queue *LiveQueue) iter.Seq2[*Event, error]
}

// Factory builds a Generator for an agent's model settings.
type Factory func(model string) (Generator, error)

// staticGenerator is the fallback generator used when no model backend is
// wired. It answers every turn with a canned acknowledgement, mirroring the
// runtime's mock mode so the lifecycle machinery stays testable without a
// provider.
type staticGenerator struct{}

// NewStaticGenerator returns a generator that echoes a canned response.
func NewStaticGenerator() Generator {
	return &staticGenerator{}
}

func (g *staticGenerator) Generate(ctx context.Context, req *Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if ctx.Err() != nil {
			return
		}
		var lastUser string
		for _, m := range req.Messages {
			if m.Author == AuthorUser {
				lastUser = m.Text()
			}
		}
		reply := NewTextEvent(req.InvocationID, AuthorModel,
			fmt.Sprintf("Acknowledged: %s", lastUser))
		if !yield(reply, nil) {
			return
		}
		done := NewEvent(req.InvocationID, AuthorModel)
		done.TurnComplete = true
		yield(done, nil)
	}
}

func (g *staticGenerator) GenerateLive(ctx context.Context, req *Request, queue *LiveQueue) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for ev, err := range g.Generate(ctx, req) {
			if !yield(ev, err) {
				return
			}
		}
	}
}
