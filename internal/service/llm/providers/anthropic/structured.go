package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	domainllm "proctor/internal/domain/services/llm"
)

// structuredToolName is the forced tool the model must call to emit its
// result when the free-form reply could not be parsed.
const structuredToolName = "record_result"

// GenerateStructured asks Claude for output conforming to a JSON schema by
// forcing a tool call whose input schema is the requested schema. The tool
// input comes back as the response text, already valid JSON.
func (p *Provider) GenerateStructured(ctx context.Context, req *domainllm.GenerateRequest, schema json.RawMessage) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by Anthropic provider", req.Model)
	}

	apiParams, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	inputSchema, err := toolSchemaFrom(schema)
	if err != nil {
		return nil, err
	}
	apiParams.Tools = []anthropic.ToolUnionParam{
		anthropic.ToolUnionParamOfTool(inputSchema, structuredToolName),
	}
	apiParams.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredToolName)

	message, err := p.client.Messages.New(ctx, apiParams)
	if err != nil {
		return nil, fmt.Errorf("anthropic structured call failed: %w", classifyAPIError(err))
	}

	response := convertFromAnthropicResponse(message)
	for _, content := range message.Content {
		if content.Type != "tool_use" {
			continue
		}
		data, err := json.Marshal(content.Input)
		if err != nil {
			return nil, fmt.Errorf("encode tool input: %w", err)
		}
		response.Text = string(data)
		return response, nil
	}

	return nil, fmt.Errorf("structured call returned no tool_use block (stop_reason %s)", message.StopReason)
}

// toolSchemaFrom lifts a raw JSON schema into the SDK's input-schema param.
func toolSchemaFrom(schema json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var parsed struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return anthropic.ToolInputSchemaParam{}, fmt.Errorf("parse output schema: %w", err)
	}

	return anthropic.ToolInputSchemaParam{
		Properties: parsed.Properties,
		Required:   parsed.Required,
	}, nil
}
