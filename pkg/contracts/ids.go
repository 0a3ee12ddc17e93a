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

// Loom juggles three orthogonal identity namespaces. They are deliberately
// distinct types so the compiler rejects accidental substitution:
//
//   - ChatSessionID: caller-facing conversation identity, stable across
//     agent switches.
//   - EngineSessionID: per-agent-activation session inside a runner. Changes
//     whenever the active agent for a chat changes.
//   - AgentID / RunnerID: handles to pooled objects.

// ChatSessionID identifies a business chat session.
type ChatSessionID string

// EngineSessionID identifies an engine session inside a runner.
type EngineSessionID string

// AgentID identifies a domain agent.
type AgentID string

// RunnerID identifies a runner.
type RunnerID string

func (id ChatSessionID) String() string   { return string(id) }
func (id EngineSessionID) String() string { return string(id) }
func (id AgentID) String() string         { return string(id) }
func (id RunnerID) String() string        { return string(id) }
