package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/llmprovider"
)

// LLMResolver returns the completion client for a provider name. An empty
// name selects the default provider.
type LLMResolver interface {
	Client(provider string) (llmprovider.Completer, error)
}

// Prompt renders a text/template against the inputs and sends it to a
// language model. Output: {text, provider, model, usage} plus "json" when
// config "json" is true and the reply parses as JSON.
//
// Config: template, provider, model, system, temperature, max_tokens, json.
// Without a template the inputs are rendered one "key: value" per line.
type Prompt struct {
	LLM LLMResolver
}

// Execute runs the completion.
func (h Prompt) Execute(ctx context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	if h.LLM == nil {
		return configError("prompt: no LLM provider configured"), nil
	}
	client, err := h.LLM.Client(configString(config, "provider"))
	if err != nil {
		return configError("prompt: %v", err), nil
	}

	text, err := promptText(configString(config, "template"), input)
	if err != nil {
		return configError("prompt: %v", err), nil
	}

	req := llmprovider.Request{
		Model:  configString(config, "model"),
		System: configString(config, "system"),
		Prompt: text,
	}
	if v, ok := configFloat64(config, "temperature"); ok {
		req.Temperature = &v
	}
	if v, ok := configInt(config, "max_tokens"); ok {
		req.MaxTokens = &v
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Result{}, ctxErr
		}
		return core.Fail(ErrTypeLLM, err.Error()), nil
	}

	out := map[string]any{
		"text":     resp.Text,
		"provider": resp.Provider,
		"model":    resp.Model,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	}
	if configBool(config, "json") {
		var decoded any
		if err := json.Unmarshal([]byte(stripCodeFence(resp.Text)), &decoded); err != nil {
			return core.Fail(ErrTypeLLM, fmt.Sprintf("prompt: reply is not valid JSON: %v", err)), nil
		}
		out["json"] = decoded
	}
	return core.OK(out), nil
}

func promptText(tmpl string, input map[string]any) (string, error) {
	if tmpl != "" {
		return renderTemplate("prompt", tmpl, input)
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, input[k])
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

// stripCodeFence removes a surrounding ```json fence models often add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
