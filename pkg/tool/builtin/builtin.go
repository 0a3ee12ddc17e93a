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

// Package builtin provides the small utility tools shipped with the
// runtime: echo, timestamp, and the chat-log writer.
package builtin

import (
	"context"
	"time"

	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/functiontool"
)

// EchoArgs are the parameters of the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Message to echo back"`
}

// NewEchoTool returns a tool that echoes its input.
func NewEchoTool() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "echo",
			Description: "Echo the provided message back to the caller",
		},
		func(ctx context.Context, args EchoArgs) (map[string]any, error) {
			return map[string]any{"message": args.Message}, nil
		},
	)
}

// TimestampArgs are the parameters of the timestamp tool.
type TimestampArgs struct {
	Format string `json:"format,omitempty" jsonschema:"description=Go time layout,default=RFC3339"`
}

// NewTimestampTool returns a tool reporting the current time.
func NewTimestampTool() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "timestamp",
			Description: "Return the current server time",
		},
		func(ctx context.Context, args TimestampArgs) (map[string]any, error) {
			layout := args.Format
			if layout == "" || layout == "RFC3339" {
				layout = time.RFC3339
			}
			now := time.Now()
			return map[string]any{
				"timestamp": now.Format(layout),
				"unix":      now.Unix(),
			}, nil
		},
	)
}

// RegisterAll registers every builtin tool with the service.
func RegisterAll(svc *tool.Service, chatLogDir string) error {
	echo, err := NewEchoTool()
	if err != nil {
		return err
	}
	ts, err := NewTimestampTool()
	if err != nil {
		return err
	}
	chatLog, err := NewChatLogTool(chatLogDir)
	if err != nil {
		return err
	}
	for _, t := range []tool.Tool{echo, ts, chatLog} {
		if err := svc.Register(t); err != nil {
			return err
		}
	}
	return nil
}
