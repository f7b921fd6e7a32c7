package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/danielsimonjr/ironclaw/internal/llm"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider implements llm.Provider over the Chat Completions API,
// collapsed to non-streaming calls.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: openai api key required")
	}
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(occ), defaultModel: model}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) CostPerToken(model string) (float64, float64) {
	return 2.5 / 1_000_000, 10.0 / 1_000_000
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.complete(ctx, req, false)
}

func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.complete(ctx, req, true)
}

func (p *OpenAIProvider) complete(ctx context.Context, req *llm.Request, withTools bool) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, llm.NewError(llm.KindRequest, "openai", "converting messages", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if withTools && len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	if len(completion.Choices) == 0 {
		return nil, llm.NewError(llm.KindRequest, "openai", "empty choices", nil)
	}
	choice := completion.Choices[0]

	resp := &llm.Response{
		Provider:     p.Name(),
		Model:        model,
		ResponseID:   completion.ID,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		Text:         choice.Message.Content,
		FinishReason: mapOpenAIFinish(string(choice.FinishReason)),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: []byte(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func convertOpenAIMessages(messages []llm.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		case llm.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Parameters),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return result, nil
}

func convertOpenAITools(tools []llm.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func mapOpenAIFinish(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolUse
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishUnknown
	}
}

func classifyOpenAIErr(err error) *llm.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return llm.NewError(llm.KindAuth, "openai", apiErr.Message, err)
		case 429:
			return llm.NewError(llm.KindRateLimit, "openai", apiErr.Message, err)
		case 400:
			return llm.NewError(llm.KindContextLength, "openai", apiErr.Message, err)
		case 503:
			return llm.NewError(llm.KindModelUnavailable, "openai", apiErr.Message, err)
		}
	}
	return llm.NewError(llm.KindRequest, "openai", err.Error(), err)
}
