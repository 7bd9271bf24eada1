package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/sessionflow/runtime"
)

func TestHTTPCall_PostsInputsAsJSON(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotHeader = r.Header.Get("X-Customer")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted": true}`))
	}))
	defer server.Close()

	res := execute(t, HTTPCall{}, map[string]any{
		"url":     server.URL + "/hooks",
		"headers": map[string]any{"X-Customer": "{{.customer}}"},
	}, map[string]any{"customer": "acme", "total": 3.0})

	if !res.Success {
		t.Fatalf("Success = false: %v", res.Error)
	}
	if gotBody["customer"] != "acme" || gotBody["total"] != 3.0 {
		t.Errorf("request body = %v", gotBody)
	}
	if gotHeader != "acme" {
		t.Errorf("X-Customer = %q, want acme", gotHeader)
	}
	out := res.Data.(map[string]any)
	if out["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", out["status_code"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok || body["accepted"] != true {
		t.Errorf("body = %#v, want decoded JSON", out["body"])
	}
}

func TestHTTPCall_SendsNodeIdentityHeaders(t *testing.T) {
	var gotSession, gotNode string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(HeaderSessionID)
		gotNode = r.Header.Get(HeaderNodeID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx := runtime.ContextWithNode(context.Background(), runtime.NodeInfo{SessionID: "s1", NodeID: "notify"})
	res, err := HTTPCall{}.Execute(ctx, map[string]any{"url": server.URL, "method": "GET"}, nil)
	if err != nil || !res.Success {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if gotSession != "s1" || gotNode != "notify" {
		t.Errorf("identity headers = %q, %q", gotSession, gotNode)
	}
}

func TestHTTPCall_GetRendersURLAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		if r.ContentLength > 0 {
			t.Errorf("GET carried a body")
		}
		_, _ = io.WriteString(w, r.URL.Path+"?"+r.URL.RawQuery)
	}))
	defer server.Close()

	res := execute(t, HTTPCall{}, map[string]any{
		"method": "get",
		"url":    server.URL + "/users/{{.id}}",
		"query":  map[string]any{"expand": "{{.expand}}"},
	}, map[string]any{"id": 42, "expand": "orders"})

	if !res.Success {
		t.Fatalf("Success = false: %v", res.Error)
	}
	if got := res.Data.(map[string]any)["body"]; got != "/users/42?expand=orders" {
		t.Errorf("body = %q", got)
	}
}

func TestHTTPCall_StatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantPermanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			res := execute(t, HTTPCall{}, map[string]any{"url": server.URL}, nil)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error.Type != ErrTypeHTTP || res.Error.Permanent != tt.wantPermanent {
				t.Errorf("Error = %+v, want permanent=%v", res.Error, tt.wantPermanent)
			}
			if !strings.Contains(res.Error.Message, "nope") {
				t.Errorf("message %q should include the response body", res.Error.Message)
			}
		})
	}
}

func TestHTTPCall_ConfigErrors(t *testing.T) {
	for _, cfg := range []map[string]any{
		{},
		{"url": "http://example.com", "method": "BAD METHOD"},
		{"url": "http://example.com/{{.x"},
	} {
		res := execute(t, HTTPCall{}, cfg, nil)
		if res.Success || res.Error.Type != ErrTypeConfig || !res.Error.Permanent {
			t.Errorf("config %v: result = %+v, want permanent config error", cfg, res)
		}
	}
}

func TestHTTPCall_HonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := HTTPCall{}.Execute(ctx, map[string]any{"url": server.URL}, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
}
