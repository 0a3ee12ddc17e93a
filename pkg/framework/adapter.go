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

// Package framework hosts the top-level adapters that turn task requests
// into agent executions, and the registry the execution engine dispatches
// through.
package framework

import (
	"context"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/registry"
)

// Type identifies a framework adapter.
type Type string

// TypeLoom is the built-in engine adapter.
const TypeLoom Type = "loom"

// LiveResult is the outcome of starting a live execution.
type LiveResult struct {
	Handle        *agent.LiveHandle
	ChatSessionID contracts.ChatSessionID
	AgentID       contracts.AgentID
}

// Adapter executes tasks for one framework. Implementations never panic
// across this boundary: every failure is a TaskResult with status ERROR.
type Adapter interface {
	// Type returns the adapter's framework type.
	Type() Type

	// ExecuteTask handles creation mode and conversation mode.
	ExecuteTask(ctx context.Context, req *contracts.TaskRequest) *contracts.TaskResult

	// ExecuteTaskLive starts a live bidirectional execution.
	ExecuteTaskLive(ctx context.Context, req *contracts.TaskRequest) (*LiveResult, error)

	// IsReady reports whether the adapter can execute tasks.
	IsReady() bool

	// HealthCheck reports adapter health.
	HealthCheck(ctx context.Context) map[string]any

	// Shutdown releases adapter resources. Cleanup errors are logged, not
	// propagated.
	Shutdown(ctx context.Context)
}

// Registry holds the available adapters.
type Registry struct {
	adapters *registry.BaseRegistry[Adapter]
}

// NewRegistry creates an empty framework registry.
func NewRegistry() *Registry {
	return &Registry{adapters: registry.NewBaseRegistry[Adapter]()}
}

// Register adds an adapter.
func (r *Registry) Register(adapter Adapter) error {
	return r.adapters.Register(string(adapter.Type()), adapter)
}

// Get returns a ready adapter for the framework type.
func (r *Registry) Get(t Type) (Adapter, *contracts.Error) {
	adapter, ok := r.adapters.Get(string(t))
	if !ok {
		return nil, contracts.NewError(contracts.ErrCodeFrameworkUnavailable,
			"framework.registry", "framework %s is not registered", t)
	}
	if !adapter.IsReady() {
		return nil, contracts.NewError(contracts.ErrCodeFrameworkUnavailable,
			"framework.registry", "framework %s is not ready", t)
	}
	return adapter, nil
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	return r.adapters.List()
}
