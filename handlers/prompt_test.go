package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/petal-labs/sessionflow/llmprovider"
)

type fakeCompleter struct {
	reply string
	err   error
	got   llmprovider.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	f.got = req
	if f.err != nil {
		return llmprovider.Response{}, f.err
	}
	return llmprovider.Response{
		Text:     f.reply,
		Provider: "fake",
		Model:    req.Model,
		Usage:    llmprovider.Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
	}, nil
}

type fakeResolver struct {
	client *fakeCompleter
	asked  string
}

func (r *fakeResolver) Client(provider string) (llmprovider.Completer, error) {
	r.asked = provider
	if provider == "missing" {
		return nil, errors.New(`provider "missing" not configured`)
	}
	return r.client, nil
}

func TestPrompt_RendersTemplate(t *testing.T) {
	client := &fakeCompleter{reply: "Bonjour"}
	resolver := &fakeResolver{client: client}

	res := execute(t, Prompt{LLM: resolver}, map[string]any{
		"provider":    "anthropic",
		"model":       "claude-test",
		"system":      "Translate to French.",
		"template":    "Translate: {{.text}}",
		"temperature": 0.2,
		"max_tokens":  100.0,
	}, map[string]any{"text": "Hello"})

	if !res.Success {
		t.Fatalf("Success = false: %v", res.Error)
	}
	if resolver.asked != "anthropic" {
		t.Errorf("provider = %q", resolver.asked)
	}
	if client.got.Prompt != "Translate: Hello" || client.got.System != "Translate to French." {
		t.Errorf("request = %+v", client.got)
	}
	if client.got.Temperature == nil || *client.got.Temperature != 0.2 {
		t.Errorf("Temperature = %v", client.got.Temperature)
	}
	if client.got.MaxTokens == nil || *client.got.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v", client.got.MaxTokens)
	}

	out := res.Data.(map[string]any)
	if out["text"] != "Bonjour" || out["model"] != "claude-test" {
		t.Errorf("output = %v", out)
	}
	if usage := out["usage"].(map[string]any); usage["total_tokens"] != 8 {
		t.Errorf("usage = %v", usage)
	}
}

func TestPrompt_DefaultRendering(t *testing.T) {
	client := &fakeCompleter{reply: "ok"}
	execute(t, Prompt{LLM: &fakeResolver{client: client}}, map[string]any{}, map[string]any{"b": 2, "a": "x"})
	if client.got.Prompt != "a: x\nb: 2" {
		t.Errorf("Prompt = %q", client.got.Prompt)
	}
}

func TestPrompt_JSONReply(t *testing.T) {
	client := &fakeCompleter{reply: "```json\n{\"sentiment\": \"positive\"}\n```"}
	res := execute(t, Prompt{LLM: &fakeResolver{client: client}}, map[string]any{"json": true}, nil)
	if !res.Success {
		t.Fatalf("Success = false: %v", res.Error)
	}
	parsed := res.Data.(map[string]any)["json"].(map[string]any)
	if parsed["sentiment"] != "positive" {
		t.Errorf("json = %v", parsed)
	}

	client.reply = "not json"
	res = execute(t, Prompt{LLM: &fakeResolver{client: client}}, map[string]any{"json": true}, nil)
	if res.Success || res.Error.Type != ErrTypeLLM {
		t.Errorf("result = %+v, want LLM error", res)
	}
}

func TestPrompt_Failures(t *testing.T) {
	res := execute(t, Prompt{}, map[string]any{}, nil)
	if res.Success || !res.Error.Permanent {
		t.Errorf("no resolver: %+v", res)
	}

	res = execute(t, Prompt{LLM: &fakeResolver{}}, map[string]any{"provider": "missing"}, nil)
	if res.Success || res.Error.Type != ErrTypeConfig {
		t.Errorf("missing provider: %+v", res)
	}

	client := &fakeCompleter{err: errors.New("overloaded")}
	res = execute(t, Prompt{LLM: &fakeResolver{client: client}}, map[string]any{}, nil)
	if res.Success || res.Error.Type != ErrTypeLLM || res.Error.Permanent {
		t.Errorf("provider error: %+v, want retryable LLM error", res)
	}
}
