package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

func echoHandler() core.Handler {
	return core.HandlerFunc(func(_ context.Context, _ map[string]any, input map[string]any) (core.Result, error) {
		return core.OK(input), nil
	})
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	r.Register("echo", echoHandler(),
		WithTimeout(2*time.Second),
		WithRetry(core.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond}),
	)

	h, opts, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if opts.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want 2s", opts.Timeout)
	}
	if opts.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want 3", opts.Retry.MaxRetries)
	}

	res, err := h.Execute(context.Background(), nil, map[string]any{"x": 1})
	if err != nil || !res.Success {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := New()
	_, _, err := r.Resolve("ghost")
	var unknownErr *core.UnknownNodeTypeError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("Resolve() error = %v, want *core.UnknownNodeTypeError", err)
	}
	if unknownErr.Type != "ghost" {
		t.Errorf("Type = %q, want ghost", unknownErr.Type)
	}
	if core.ErrorType(err) != core.ErrorTypeUnknownNodeType {
		t.Errorf("ErrorType = %q", core.ErrorType(err))
	}
}

func TestRegistry_DefaultsToNoRetries(t *testing.T) {
	r := New()
	r.Register("plain", echoHandler())
	_, opts, err := r.Resolve("plain")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if opts.Retry.Enabled() || opts.Timeout != 0 {
		t.Errorf("Options = %+v, want zero value", opts)
	}
}

func TestRegistry_Has(t *testing.T) {
	r := New()
	r.Register("exists", echoHandler())

	if !r.Has("exists") {
		t.Error("Has should return true for registered type")
	}
	if r.Has("nope") {
		t.Error("Has should return false for unregistered type")
	}
}

func TestRegistry_Types_PreservesOrder(t *testing.T) {
	r := New()
	for _, name := range []core.NodeType{"charlie", "alpha", "bravo"} {
		r.Register(name, echoHandler())
	}
	r.Register("alpha", echoHandler()) // overwrite keeps position

	types := r.Types()
	want := []core.NodeType{"charlie", "alpha", "bravo"}
	if len(types) != len(want) {
		t.Fatalf("Types() returned %d, want %d", len(types), len(want))
	}
	for i, name := range want {
		if types[i] != name {
			t.Errorf("Types()[%d] = %q, want %q", i, types[i], name)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_BuiltinMetadata(t *testing.T) {
	r := New()
	r.Register(core.NodeTypeHTTPCall, echoHandler(), WithTimeout(5*time.Second))

	def, ok := r.Get(core.NodeTypeHTTPCall)
	if !ok {
		t.Fatal("Get should find registered type")
	}
	if def.DisplayName != "HTTP Call" || def.Category != "io" {
		t.Errorf("def = %+v, want built-in metadata", def)
	}
	if def.TimeoutMs != 5000 {
		t.Errorf("TimeoutMs = %d, want 5000", def.TimeoutMs)
	}
	if def.ConfigSchema == nil {
		t.Error("ConfigSchema should be set for built-in type")
	}
}

func TestRegistry_WithDefOverridesMetadata(t *testing.T) {
	r := New()
	r.Register("custom", echoHandler(), WithDef(NodeTypeDef{
		Type:        "ignored",
		Category:    "test",
		DisplayName: "Custom",
	}))

	def, _ := r.Get("custom")
	if def.Type != "custom" || def.DisplayName != "Custom" || def.Category != "test" {
		t.Errorf("def = %+v", def)
	}
	if all := r.All(); len(all) != 1 || all[0].Type != "custom" {
		t.Errorf("All() = %+v", all)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("concurrent", echoHandler())
		}()
		go func() {
			defer wg.Done()
			_, _, _ = r.Resolve("concurrent")
			_ = r.Types()
		}()
	}
	wg.Wait()

	if !r.Has("concurrent") {
		t.Error("type should be registered after concurrent writes")
	}
}
