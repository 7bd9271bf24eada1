package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/runtime"
)

// maxResponseBytes caps how much of a response body http_call reads.
const maxResponseBytes = 10 << 20

// Identity headers sent with every request. Configured headers override them.
const (
	HeaderSessionID = "X-Sessionflow-Session-Id"
	HeaderNodeID    = "X-Sessionflow-Node-Id"
)

var httpMethodTokenPattern = regexp.MustCompile(`^[!#$%&'*+.^_` + "`" + `|~0-9A-Za-z-]+$`)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPCallConfig configures one http_call node.
type HTTPCallConfig struct {
	URL     string // text/template rendered against the inputs
	Method  string
	Headers map[string]string // values are templates
	Query   map[string]string // values are templates
	Body    any               // string bodies are templates; nil sends the inputs
	Timeout time.Duration
}

// ParseHTTPCallConfig normalizes http_call config from a node.
func ParseHTTPCallConfig(m map[string]any) (HTTPCallConfig, error) {
	cfg := HTTPCallConfig{
		URL:     strings.TrimSpace(configString(m, "url")),
		Method:  strings.ToUpper(strings.TrimSpace(configString(m, "method"))),
		Headers: configStringMap(m, "headers"),
		Query:   configStringMap(m, "query"),
		Body:    m["body"],
		Timeout: configDuration(m, "timeout"),
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if !httpMethodTokenPattern.MatchString(cfg.Method) {
		return cfg, fmt.Errorf("method %q is invalid", cfg.Method)
	}
	return cfg, nil
}

// HTTPCall calls an HTTP endpoint and returns
// {status_code, headers, body, url, method}. JSON response bodies are
// decoded. Transport errors, 429 and 5xx are retryable; other non-2xx
// statuses fail permanently.
type HTTPCall struct {
	Client HTTPClient
}

// Execute performs the request.
func (h HTTPCall) Execute(ctx context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	cfg, err := ParseHTTPCallConfig(config)
	if err != nil {
		return configError("http_call: %v", err), nil
	}

	req, err := h.buildRequest(ctx, cfg, input)
	if err != nil {
		return configError("http_call: %v", err), nil
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Result{}, ctxErr
		}
		return core.Fail(ErrTypeHTTP, fmt.Sprintf("%s %s: %v", cfg.Method, req.URL.Redacted(), err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.Fail(ErrTypeHTTP, fmt.Sprintf("read response body: %v", err)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("%s %s: unexpected status code %d: %s",
			cfg.Method, req.URL.Redacted(), resp.StatusCode, truncate(string(respBody), 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return core.Fail(ErrTypeHTTP, msg), nil
		}
		return core.FailPermanent(ErrTypeHTTP, msg), nil
	}

	return core.OK(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     responseHeaders(resp.Header),
		"body":        decodeBody(resp.Header.Get("Content-Type"), respBody),
		"url":         req.URL.String(),
		"method":      cfg.Method,
	}), nil
}

func (h HTTPCall) buildRequest(ctx context.Context, cfg HTTPCallConfig, input map[string]any) (*http.Request, error) {
	rawURL, err := renderTemplate("url", cfg.URL, input)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if len(cfg.Query) > 0 {
		q := u.Query()
		for key, tmpl := range cfg.Query {
			v, err := renderTemplate("query", tmpl, input)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", key, err)
			}
			q.Set(key, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodHead {
		switch b := cfg.Body.(type) {
		case string:
			rendered, err := renderTemplate("body", b, input)
			if err != nil {
				return nil, fmt.Errorf("body: %w", err)
			}
			body = strings.NewReader(rendered)
			contentType = "text/plain; charset=utf-8"
		default:
			payload := cfg.Body
			if payload == nil {
				payload = input
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if info, ok := runtime.NodeFromContext(ctx); ok {
		req.Header.Set(HeaderSessionID, info.SessionID)
		req.Header.Set(HeaderNodeID, info.NodeID)
	}
	for key, tmpl := range cfg.Headers {
		v, err := renderTemplate("header", tmpl, input)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		req.Header.Set(key, v)
	}
	return req, nil
}

func decodeBody(contentType string, body []byte) any {
	if strings.Contains(strings.ToLower(contentType), "json") && len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded
		}
	}
	return string(body)
}

func responseHeaders(h http.Header) map[string]any {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = strings.Join(h.Values(k), ", ")
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
