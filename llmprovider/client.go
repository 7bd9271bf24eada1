// Package llmprovider bridges iris LLM providers to the prompt handler.
package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
)

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64 // optional: sampling temperature
	MaxTokens   *int     // optional: maximum output tokens
}

// Usage reports token consumption of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the result of a completion.
type Response struct {
	Text       string
	Provider   string
	Model      string
	ResponseID string
	Usage      Usage
}

// Completer sends completion requests to a language model.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client wraps an iris Provider.
type Client struct {
	provider iriscore.Provider
}

// NewProviderClient wraps an already constructed iris provider.
func NewProviderClient(provider iriscore.Provider) *Client {
	return &Client{provider: provider}
}

// Complete sends a synchronous completion request via the iris provider.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.provider.Chat(ctx, toChatRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("provider chat failed: %w", err)
	}
	return Response{
		Text:       resp.Output,
		Provider:   c.provider.ID(),
		Model:      string(resp.Model),
		ResponseID: resp.ID,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func toChatRequest(req Request) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: req.Prompt,
	})

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

var _ Completer = (*Client)(nil)
