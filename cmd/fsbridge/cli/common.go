package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/fsbridge/internal/config"
	"github.com/felixgeelhaar/fsbridge/internal/credential"
	"github.com/felixgeelhaar/fsbridge/internal/guard"
	"github.com/felixgeelhaar/fsbridge/internal/memory"
	"github.com/felixgeelhaar/fsbridge/internal/observe"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
)

// app bundles the pieces every command needs.
type app struct {
	cfg   config.Config
	obs   *observe.Observer
	guard *guard.Guard
	store *memory.Store // nil when the store could not be opened
	ci    bool
}

// newApp resolves config, sets up logging, the sandbox guard, and the memory
// store. A store failure is downgraded to a warning: commands that need it
// check for nil, the chat loop runs without recall.
func newApp(opts *rootOptions) (*app, func(), error) {
	path := opts.configPath
	if path == "" {
		path = "fsbridge.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if opts.root != "" {
		cfg.Root = opts.root
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}

	var obs *observe.Observer
	if opts.ci {
		obs = observe.NewJSON(os.Stderr, opts.verbose)
	} else {
		obs = observe.New(os.Stderr, opts.verbose)
	}

	g, err := guard.New(cfg.Root, cfg.IgnoreGlobs)
	if err != nil {
		return nil, nil, fmt.Errorf("workspace root: %w", err)
	}
	g.SetAllowShell(cfg.AllowShell)

	a := &app{cfg: cfg, obs: obs, guard: g, ci: opts.ci}

	stateDir := filepath.Join(g.Root(), ".fsbridge")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		obs.Log().Warn().Err(err).Msg("no state directory, memory disabled")
	} else {
		store, err := memory.Open(filepath.Join(stateDir, "memory.db"), obs)
		if err != nil {
			obs.Log().Warn().Err(err).Msg("memory store unavailable")
		} else {
			a.store = store
		}
	}

	cleanup := func() {
		if a.store != nil {
			a.store.Close()
		}
		obs.Close()
	}
	return a, cleanup, nil
}

// apiKey finds the provider key: environment first, then the encrypted
// config store.
func (a *app) apiKey(ctx context.Context, providerName string) string {
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	if env := envKeys[providerName]; env != "" {
		if key := os.Getenv(env); key != "" {
			return key
		}
	}
	if a.store == nil {
		return ""
	}
	sealed, err := a.store.GetConfig(ctx, providerName+"_api_key")
	if err != nil || sealed == "" {
		return ""
	}
	key, err := credential.NewManager("").Decrypt(sealed)
	if err != nil {
		a.obs.Log().Warn().Err(err).Str("provider", providerName).Msg("stored key unusable")
		return ""
	}
	return key
}

// buildProvider constructs the configured model backend. A provider of the
// form "cli:<binary>" shells out to a local agent.
func (a *app) buildProvider(ctx context.Context) (provider.Provider, error) {
	name := a.cfg.Provider
	if bin, ok := strings.CutPrefix(name, "cli:"); ok {
		return provider.NewCLIProvider(bin, nil)
	}

	switch name {
	case "anthropic":
		return provider.NewAnthropicProvider(a.apiKey(ctx, name), a.cfg.Model)
	case "openai":
		return provider.NewOpenAIProvider(a.apiKey(ctx, name), os.Getenv("OPENAI_BASE_URL"), a.cfg.Model)
	case "ollama":
		return provider.NewOllamaProvider(a.cfg.Model)
	case "gemini":
		return provider.NewGeminiProvider(a.apiKey(ctx, name), a.cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q (anthropic, openai, ollama, gemini, cli:<binary>)", name)
	}
}
