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

// Package enginetest provides scripted generators for tests.
package enginetest

import (
	"context"
	"fmt"
	"iter"

	"github.com/kadirpekel/loom/pkg/engine"
)

// ScriptedGenerator yields a fixed event sequence for every turn.
type ScriptedGenerator struct {
	Events []*engine.Event

	// Requests records every request seen, newest last.
	Requests []*engine.Request
}

// NewScripted builds a generator that replays the given events.
func NewScripted(events ...*engine.Event) *ScriptedGenerator {
	return &ScriptedGenerator{Events: events}
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req *engine.Request) iter.Seq2[*engine.Event, error] {
	g.Requests = append(g.Requests, req)
	return func(yield func(*engine.Event, error) bool) {
		for _, ev := range g.Events {
			if ctx.Err() != nil {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (g *ScriptedGenerator) GenerateLive(ctx context.Context, req *engine.Request, queue *engine.LiveQueue) iter.Seq2[*engine.Event, error] {
	return g.Generate(ctx, req)
}

// HistoryEchoGenerator replies with the first user message found in the
// request history, so tests can verify history migration across agent
// switches.
type HistoryEchoGenerator struct{}

func (g *HistoryEchoGenerator) Generate(ctx context.Context, req *engine.Request) iter.Seq2[*engine.Event, error] {
	return func(yield func(*engine.Event, error) bool) {
		quoted := ""
		for _, ev := range req.History {
			if ev.Author == engine.AuthorUser && ev.Text() != "" {
				quoted = ev.Text()
				break
			}
		}
		reply := engine.NewTextEvent(req.InvocationID, engine.AuthorModel,
			fmt.Sprintf("first user message was: %s (history=%d)", quoted, len(req.History)))
		if !yield(reply, nil) {
			return
		}
		done := engine.NewEvent(req.InvocationID, engine.AuthorModel)
		done.TurnComplete = true
		yield(done, nil)
	}
}

func (g *HistoryEchoGenerator) GenerateLive(ctx context.Context, req *engine.Request, queue *engine.LiveQueue) iter.Seq2[*engine.Event, error] {
	return g.Generate(ctx, req)
}

var (
	_ engine.Generator = (*ScriptedGenerator)(nil)
	_ engine.Generator = (*HistoryEchoGenerator)(nil)
)
