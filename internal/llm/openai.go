package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/retry"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// OpenAI implements Provider via the OpenAI Chat Completions API.
type OpenAI struct {
	chat       ChatClient
	model      string
	maxRetries int
}

// OpenAIOptions configures the adapter.
type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	Client       ChatClient // overrides APIKey/BaseURL when set, used by tests
}

// NewOpenAI builds an OpenAI-backed provider.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	chat := opts.Client
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		chat = openai.NewClientWithConfig(cfg)
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &OpenAI{chat: chat, model: opts.DefaultModel, maxRetries: retries}, nil
}

// Complete renders a chat completion using the configured client. Transient
// failures (429, 5xx, transport errors) are retried with jittered backoff
// before surfacing as providerError.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	err = retry.TryN(ctx, c.maxRetries, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.chat.CreateChatCompletion(ctx, request)
		return classify(callErr)
	}, retry.Options{})
	if err != nil {
		return nil, err
	}
	return translate(resp), nil
}

// Stream runs a streaming chat completion, emitting text deltas as they
// arrive and accumulating tool calls across stream fragments.
func (c *OpenAI) Stream(ctx context.Context, req Request, emit DeltaFunc) (*Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true

	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	out := &Response{}
	// Tool call arguments arrive fragmented; accumulate by index.
	calls := map[int]*ToolCallProposal{}
	argBufs := map[int]string{}
	maxIdx := -1

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Text += delta.Content
			if emit != nil {
				if err := emit(delta.Content); err != nil {
					return nil, err
				}
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCallProposal{}
				calls[idx] = call
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			argBufs[idx] += tc.Function.Arguments
		}
	}

	for idx := 0; idx <= maxIdx; idx++ {
		call, ok := calls[idx]
		if !ok {
			continue
		}
		call.Args = parseArgs(argBufs[idx])
		out.ToolCalls = append(out.ToolCalls, *call)
	}
	return out, nil
}

func (c *OpenAI) encodeRequest(req Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case v1.RoleTool:
			for _, p := range m.Parts {
				if !p.IsToolPart() {
					continue
				}
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolContent(&p),
					ToolCallID: p.ToolCallID,
				})
			}
		default:
			// Join only text parts; tool parts travel as tool messages.
			if text := m.Text(); text != "" {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    string(m.Role),
					Content: text,
				})
			}
		}
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	return openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	}, nil
}

func toolContent(p *v1.Part) string {
	if p.ErrorText != "" {
		return p.ErrorText
	}
	if len(p.Output) > 0 {
		return string(p.Output)
	}
	return "null"
}

func encodeTools(defs []ToolDef) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func translate(resp openai.ChatCompletionResponse) *Response {
	out := &Response{}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Text = msg.Content
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallProposal{
			Name: call.Function.Name,
			Args: parseArgs(call.Function.Arguments),
		})
	}
	return out
}

// parseArgs keeps valid JSON arguments verbatim and wraps anything else so a
// malformed fragment still reaches the tool as structured input.
func parseArgs(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}

// classify maps transport failures onto the error taxonomy: rate limits and
// server-side failures are transient (retryable), everything else is a
// provider error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return apperrors.Transient(fmt.Sprintf("model request failed with status %d", apiErr.HTTPStatusCode), err)
		}
		return apperrors.Provider("model request rejected", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Transient("model transport failure", err)
}
