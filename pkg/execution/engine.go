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

// Package execution is the system entry layer: the engine dispatches task
// requests to framework adapters, and the assistant validates requests and
// shapes failures into structured results.
package execution

import (
	"context"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/framework"
	"github.com/kadirpekel/loom/pkg/streaming"
)

// Engine routes task requests to the appropriate framework adapter.
type Engine struct {
	registry    *framework.Registry
	defaultType framework.Type
}

// NewEngine creates an execution engine over a framework registry.
func NewEngine(registry *framework.Registry) *Engine {
	return &Engine{registry: registry, defaultType: framework.TypeLoom}
}

// Registry exposes the framework registry.
func (e *Engine) Registry() *framework.Registry { return e.registry }

// ExecuteTask runs a non-live task through the resolved adapter.
func (e *Engine) ExecuteTask(ctx context.Context, req *contracts.TaskRequest) *contracts.TaskResult {
	adapter, cerr := e.registry.Get(e.defaultType)
	if cerr != nil {
		return contracts.ErrorResult(req.TaskID, cerr, req.SessionID, req.AgentID)
	}
	return adapter.ExecuteTask(ctx, req)
}

// ExecuteTaskLive starts a live execution, returning the raw handle.
func (e *Engine) ExecuteTaskLive(ctx context.Context, req *contracts.TaskRequest) (*framework.LiveResult, error) {
	adapter, cerr := e.registry.Get(e.defaultType)
	if cerr != nil {
		return nil, cerr
	}
	return adapter.ExecuteTaskLive(ctx, req)
}

// ExecuteTaskLiveSession starts a live execution wrapped in the
// caller-facing stream session façade.
func (e *Engine) ExecuteTaskLiveSession(ctx context.Context, req *contracts.TaskRequest) (*streaming.StreamSession, error) {
	result, err := e.ExecuteTaskLive(ctx, req)
	if err != nil {
		return nil, err
	}
	return streaming.New(streaming.Config{
		TaskID:        req.TaskID,
		ChatSessionID: result.ChatSessionID,
		AgentID:       result.AgentID,
		Chunks:        result.Handle.Chunks,
		Communicator:  result.Handle.Communicator,
		Broker:        result.Handle.Broker,
	}), nil
}
