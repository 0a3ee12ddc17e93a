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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// AgentConfig is the input to agent creation. Configs hashing equal are
// eligible to share an agent+runner pair.
type AgentConfig struct {
	AgentType       string         `json:"agent_type"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	ModelConfig     map[string]any `json:"model_config,omitempty"`
	AvailableTools  []string       `json:"available_tools,omitempty"`
	FrameworkConfig map[string]any `json:"framework_config,omitempty"`
}

// ModelSettings is the typed view of ModelConfig.
type ModelSettings struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ModelSettings decodes the untyped model config map.
func (c *AgentConfig) ModelSettings() (*ModelSettings, error) {
	settings := &ModelSettings{}
	if len(c.ModelConfig) == 0 {
		return settings, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           settings,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("model config decoder: %w", err)
	}
	if err := decoder.Decode(c.ModelConfig); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	return settings, nil
}

// volatileKeys are dropped before hashing so that transient annotations do
// not defeat agent/runner reuse.
var volatileKeys = map[string]bool{
	"timestamp":  true,
	"request_id": true,
}

// Hash returns the 16-hex-char dedup key for this config.
//
// The hash covers agent_type, system_prompt, model_config, and
// available_tools. Nested maps serialize with sorted keys (encoding/json
// guarantees this for map[string]any), so two configs that differ only in
// map key order hash equally.
func (c *AgentConfig) Hash() string {
	canonical := map[string]any{
		"agent_type":      c.AgentType,
		"system_prompt":   c.SystemPrompt,
		"model_config":    scrubVolatile(c.ModelConfig),
		"available_tools": append([]string{}, c.AvailableTools...),
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		// Maps of plain JSON values cannot fail to marshal; fall back to a
		// non-reusable key rather than aborting the request.
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func scrubVolatile(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if volatileKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = scrubVolatile(nested)
			continue
		}
		out[k] = v
	}
	return out
}
