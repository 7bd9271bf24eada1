package llmprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	iriscore "github.com/petal-labs/iris/core"
)

// mockProvider implements iriscore.Provider for testing.
type mockProvider struct {
	id           string
	chatResponse *iriscore.ChatResponse
	chatError    error
	capturedReq  *iriscore.ChatRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(_ context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	m.capturedReq = req
	if m.chatError != nil {
		return nil, m.chatError
	}
	return m.chatResponse, nil
}

func (m *mockProvider) StreamChat(context.Context, *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
	return nil, nil
}

func (m *mockProvider) Models() []iriscore.ModelInfo {
	return []iriscore.ModelInfo{{ID: "mock-model"}}
}

func (m *mockProvider) Supports(f iriscore.Feature) bool {
	return f == iriscore.FeatureChat
}

func TestComplete_SimplePrompt(t *testing.T) {
	mock := &mockProvider{
		id: "test-provider",
		chatResponse: &iriscore.ChatResponse{
			ID:     "resp-1",
			Model:  "claude-3",
			Output: "Hello from LLM",
			Usage: iriscore.TokenUsage{
				PromptTokens:     12,
				CompletionTokens: 8,
				TotalTokens:      20,
			},
		},
	}
	client := NewProviderClient(mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:  "claude-3",
		System: "You are helpful",
		Prompt: "Say hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello from LLM" {
		t.Errorf("Text = %q, want %q", resp.Text, "Hello from LLM")
	}
	if resp.Provider != "test-provider" {
		t.Errorf("Provider = %q, want %q", resp.Provider, "test-provider")
	}
	if resp.ResponseID != "resp-1" {
		t.Errorf("ResponseID = %q", resp.ResponseID)
	}
	if resp.Usage != (Usage{InputTokens: 12, OutputTokens: 8, TotalTokens: 20}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if len(mock.capturedReq.Messages) != 2 {
		t.Fatalf("expected 2 messages (system + user), got %d", len(mock.capturedReq.Messages))
	}
	if mock.capturedReq.Messages[0].Role != iriscore.RoleSystem {
		t.Errorf("first message role = %v, want system", mock.capturedReq.Messages[0].Role)
	}
	if mock.capturedReq.Messages[1].Content != "Say hello" {
		t.Errorf("user message content = %q", mock.capturedReq.Messages[1].Content)
	}
}

func TestComplete_TemperatureAndMaxTokens(t *testing.T) {
	mock := &mockProvider{id: "test", chatResponse: &iriscore.ChatResponse{Output: "ok"}}
	temp := 0.25
	maxTokens := 64

	_, err := NewProviderClient(mock).Complete(context.Background(), Request{
		Prompt:      "hi",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.capturedReq.Temperature == nil || *mock.capturedReq.Temperature != 0.25 {
		t.Errorf("Temperature = %v, want 0.25", mock.capturedReq.Temperature)
	}
	if mock.capturedReq.MaxTokens == nil || *mock.capturedReq.MaxTokens != 64 {
		t.Errorf("MaxTokens = %v, want 64", mock.capturedReq.MaxTokens)
	}
	if len(mock.capturedReq.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without system prompt", len(mock.capturedReq.Messages))
	}
}

func TestComplete_ProviderError(t *testing.T) {
	mock := &mockProvider{id: "test", chatError: errors.New("rate limited")}
	_, err := NewProviderClient(mock).Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

type stubCompleter struct{ name string }

func (s stubCompleter) Complete(context.Context, Request) (Response, error) {
	return Response{Provider: s.name}, nil
}

func TestPool_CachesPerProvider(t *testing.T) {
	created := map[string]int{}
	pool := NewPool(ProviderMap{
		"anthropic": {APIKey: "a"},
		"openai":    {APIKey: "o"},
	}, "anthropic", func(name string, cfg ProviderConfig) (Completer, error) {
		created[name]++
		return stubCompleter{name: name}, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := pool.Client("OpenAI"); err != nil {
			t.Fatalf("Client(openai): %v", err)
		}
	}
	c, err := pool.Client("")
	if err != nil {
		t.Fatalf("Client(default): %v", err)
	}
	resp, _ := c.Complete(context.Background(), Request{})
	if resp.Provider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", resp.Provider)
	}
	if created["openai"] != 1 || created["anthropic"] != 1 {
		t.Errorf("created = %v, want one client per provider", created)
	}
	if got := pool.Names(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Names() = %v", got)
	}
}

func TestPool_Errors(t *testing.T) {
	factory := func(name string, cfg ProviderConfig) (Completer, error) {
		return stubCompleter{name: name}, nil
	}

	if _, err := NewPool(ProviderMap{"a": {}}, "", factory).Client("b"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
	if _, err := NewPool(ProviderMap{"a": {}, "b": {}}, "", factory).Client(""); err == nil {
		t.Error("expected error when no default can be picked")
	}
	c, err := NewPool(ProviderMap{"only": {}}, "", factory).Client("")
	if err != nil {
		t.Fatalf("single provider should be the default: %v", err)
	}
	if resp, _ := c.Complete(context.Background(), Request{}); resp.Provider != "only" {
		t.Errorf("Provider = %q", resp.Provider)
	}
}
