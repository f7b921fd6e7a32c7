// Package providers implements concrete llm.Provider bindings over
// official/community SDKs, collapsed to the single synchronous Response
// the core LLM port defines.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/danielsimonjr/ironclaw/internal/llm"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements llm.Provider over Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider constructs a provider from cfg.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: anthropic api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), defaultModel: model}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// CostPerToken gives rough per-token USD pricing for cost aggregation;
// callers with exact contracted pricing should override via config.
func (p *AnthropicProvider) CostPerToken(model string) (float64, float64) {
	return 3.0 / 1_000_000, 15.0 / 1_000_000
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.complete(ctx, req, false)
}

func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.complete(ctx, req, true)
}

func (p *AnthropicProvider) complete(ctx context.Context, req *llm.Request, withTools bool) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, llm.NewError(llm.KindRequest, "anthropic", "converting messages", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if withTools && len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, llm.NewError(llm.KindRequest, "anthropic", "converting tools", err)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}

	resp := &llm.Response{
		Provider:     p.Name(),
		Model:        model,
		ResponseID:   msg.ID,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		FinishReason: mapStopReason(string(msg.StopReason)),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += variant.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:         variant.ID,
				Name:       variant.Name,
				Parameters: variant.Input,
			})
		}
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == llm.FinishStop {
		resp.FinishReason = llm.FinishToolUse
	}
	return resp, nil
}

func convertMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		if m.Role == llm.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}
		for _, tc := range m.ToolCalls {
			var input any
			_ = json.Unmarshal(tc.Parameters, &input)
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == llm.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("providers: tool %q schema: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		result = append(result, tp)
	}
	return result, nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolUse
	default:
		return llm.FinishUnknown
	}
}

func classifyAnthropicErr(err error) *llm.Error {
	var apiErr *anthropic.Error
	if asAnthropicError(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return llm.NewError(llm.KindAuth, "anthropic", apiErr.Error(), err)
		case 429:
			return llm.NewError(llm.KindRateLimit, "anthropic", apiErr.Error(), err)
		case 400:
			return llm.NewError(llm.KindContextLength, "anthropic", apiErr.Error(), err)
		case 503, 529:
			return llm.NewError(llm.KindModelUnavailable, "anthropic", apiErr.Error(), err)
		}
	}
	return llm.NewError(llm.KindRequest, "anthropic", err.Error(), err)
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	if ae, ok := err.(*anthropic.Error); ok {
		*target = ae
		return true
	}
	return false
}
