package cli

import (
	"github.com/petal-labs/sessionflow/config"
	"github.com/petal-labs/sessionflow/handlers"
	"github.com/petal-labs/sessionflow/llmprovider"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/session"
)

// newRegistry registers the builtin handlers wired to the configured LLM
// providers and SQL DSN. A nil cfg registers them unwired, which is enough
// for type checking.
func newRegistry(cfg *config.File) (*registry.Registry, *handlers.Builtins) {
	reg := registry.New()
	var opts handlers.Options
	if cfg != nil {
		opts.LLM = llmprovider.NewPool(cfg.Providers, cfg.Handlers.DefaultProvider, nil)
		opts.SQLDSN = cfg.Handlers.SQLDSN
	}
	return reg, handlers.RegisterBuiltins(reg, opts)
}

// engineConfig copies the engine section onto a manager config.
func engineConfig(cfg *config.File, mc session.Config) (session.Config, error) {
	policy, err := session.ParseFailurePolicy(cfg.Engine.FailurePolicy)
	if err != nil {
		return mc, err
	}
	mc.Concurrency = cfg.Engine.Concurrency
	mc.FailurePolicy = policy
	mc.DefaultTimeout = cfg.Engine.DefaultTimeout
	return mc, nil
}
