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

package functiontool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaExtRequiresApproval marks a tool schema as approval-gated, so the
// gate is visible in the schema returned by Schema() alongside the
// parameter shape.
const SchemaExtRequiresApproval = "x-requires-approval"

// buildSchema derives the parameter schema for a function tool from its
// Args struct tags and the tool config.
//
// Supported tags:
//   - json:"name" / json:",omitempty"
//   - jsonschema:"required,description=...,default=...,enum=a,enum=b"
//
// The result is a flat object schema (no $ref, $schema, or $id — the model
// consumes it standalone), annotated with SchemaExtRequiresApproval when
// the tool is gated.
func buildSchema[Args any](cfg Config) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	flat, err := flattenSchema(reflector.Reflect(new(Args)))
	if err != nil {
		return nil, err
	}

	schema := flat
	if flat["type"] == "object" {
		// Keep only the keys the generator needs from an object schema.
		schema = map[string]any{
			"type":       "object",
			"properties": flat["properties"],
		}
		for _, key := range []string{"required", "additionalProperties"} {
			if v, ok := flat[key]; ok {
				schema[key] = v
			}
		}
	}

	if cfg.RequiresApproval {
		schema[SchemaExtRequiresApproval] = true
	}
	return schema, nil
}

// flattenSchema converts the reflected schema into a plain map, dropping
// the document-level keys a standalone tool schema must not carry.
func flattenSchema(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// decodeArgs converts the model-supplied argument map into the tool's typed
// Args struct. Unknown keys are ignored: models routinely attach extras the
// schema never declared.
func decodeArgs(args map[string]any, target any) error {
	if len(args) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(args); err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.NewDecoder(&buf).Decode(target); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
