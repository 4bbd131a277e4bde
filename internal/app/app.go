// Package app loads configuration and wires providers, policies and the
// search manager into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/searchd/internal/circuit"
	"github.com/hyperifyio/searchd/internal/extract"
	"github.com/hyperifyio/searchd/internal/fetch"
	"github.com/hyperifyio/searchd/internal/llm"
	"github.com/hyperifyio/searchd/internal/manager"
	"github.com/hyperifyio/searchd/internal/optimizer"
	"github.com/hyperifyio/searchd/internal/ratelimit"
	"github.com/hyperifyio/searchd/internal/robots"
	"github.com/hyperifyio/searchd/internal/search"
	"github.com/hyperifyio/searchd/internal/server"
	"github.com/hyperifyio/searchd/internal/tracer"
)

// App owns the wired service.
type App struct {
	cfg      Config
	manager  *manager.Manager
	fetcher  *fetch.Client
	server   *server.Server
	shutdown func(context.Context) error
}

// Load builds a Config from defaults, the optional config file at path and
// the environment, in increasing precedence.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		fc, err := LoadConfigFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := ApplyFileConfig(&cfg, fc); err != nil {
			return cfg, fmt.Errorf("apply config %s: %w", path, err)
		}
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// New validates cfg and wires the service.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	shutdown, err := tracer.Setup(ctx, tracer.Config{Exporter: cfg.TracingExporter})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	httpClient := newHTTPClient(cfg.UserAgent)
	backends := BuildBackends(cfg, httpClient)
	names := make([]string, 0, len(backends))
	limits := make(map[string]ratelimit.Limit, len(backends))
	for _, b := range backends {
		name := b.Provider.Name()
		names = append(names, name)
		pc := cfg.provider(name)
		limits[name] = ratelimit.Limit{Capacity: pc.RateCapacity, Refill: pc.RateRefill}
	}

	policy := circuit.New(names, circuit.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		Window:           cfg.CircuitWindow,
		Cooldown:         cfg.CircuitCooldown,
		MaxCooldown:      cfg.CircuitCooldownMax,
	})
	mgr := manager.New(backends, manager.Options{
		Limiter:           ratelimit.New(limits, cfg.RateWindow),
		Circuit:           policy,
		Optimizer:         &optimizer.Optimizer{Priorities: cfg.OptimizerPriorities},
		DefaultMaxResults: cfg.MaxResults,
		DefaultTimeout:    cfg.Timeout,
		FallbackChain:     cfg.FallbackChain,
	})

	fetcher := &fetch.Client{
		HTTPClient:        httpClient,
		UserAgent:         cfg.UserAgent,
		MaxAttempts:       2,
		PerRequestTimeout: cfg.FetchTimeout,
		MaxBodyBytes:      cfg.FetchMaxBodyBytes,
		RedirectMaxHops:   5,
		MaxConcurrent:     8,
	}
	srv, err := server.New(mgr, fetcher, extract.HeuristicExtractor{}, BuildVersion)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if cfg.FetchRespectRobots {
		srv.SetRobots(&robots.Checker{
			HTTPClient:        httpClient,
			UserAgent:         cfg.UserAgent,
			AllowPrivateHosts: cfg.FetchAllowPrivateHosts,
		})
	}

	for _, p := range mgr.Providers() {
		log.Debug().Str("provider", p.Name).Bool("configured", p.Configured).Float64("weight", p.Weight).Dur("timeout", p.Timeout).Msg("provider wired")
	}
	return &App{cfg: cfg, manager: mgr, fetcher: fetcher, server: srv, shutdown: shutdown}, nil
}

// Manager exposes the search manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Server exposes the MCP server.
func (a *App) Server() *server.Server { return a.server }

// Serve runs the MCP server on stdio until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	return a.server.Serve(ctx)
}

// Search runs one query in mode ("aggregate" or "fallback").
func (a *App) Search(ctx context.Context, q search.Query, mode string) (*search.Response, error) {
	return a.server.Search(ctx, server.SearchInput{
		Query:       q.Text,
		Category:    q.Category,
		MaxResults:  q.MaxResults,
		TimeoutMS:   int(q.Timeout.Milliseconds()),
		Providers:   q.Providers,
		Mode:        mode,
		NonBlocking: q.NonBlocking,
	})
}

// Close flushes pending spans.
func (a *App) Close() error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown(context.Background())
}

// BuildBackends creates the provider clients in configuration order.
// duckduckgo needs no credential. searxng and file are only built when
// their endpoint or path is set. When cfg.EnabledProviders is non-empty,
// other providers are left out entirely.
func BuildBackends(cfg Config, httpClient *http.Client) []manager.Backend {
	enabled := func(string) bool { return true }
	if len(cfg.EnabledProviders) > 0 {
		set := make(map[string]bool, len(cfg.EnabledProviders))
		for _, name := range cfg.EnabledProviders {
			set[name] = true
		}
		enabled = func(name string) bool { return set[name] }
	}

	backends := make([]manager.Backend, 0, len(KnownProviders))
	add := func(p search.Provider, configured bool) {
		name := p.Name()
		if !enabled(name) {
			return
		}
		pc := cfg.provider(name)
		backends = append(backends, manager.Backend{
			Provider: p,
			Info: search.ProviderInfo{
				Name:       name,
				MaxResults: pc.MaxResults,
				Weight:     pc.Weight,
				Timeout:    pc.Timeout,
				Retries:    pc.Retries,
			},
			Configured: configured,
		})
	}

	for _, name := range KnownProviders {
		pc := cfg.provider(name)
		switch name {
		case ProviderDuckDuckGo:
			add(&search.DuckDuckGo{BaseURL: pc.BaseURL, SafeSearch: cfg.DuckDuckGoSafeSearch, UserAgent: cfg.UserAgent, HTTPClient: httpClient}, true)
		case ProviderSerpAPI:
			add(&search.SerpAPI{APIKey: pc.APIKey, Engine: cfg.SerpAPIEngine, BaseURL: pc.BaseURL, HTTPClient: httpClient}, pc.APIKey != "")
		case ProviderPerplexity:
			add(&search.Perplexity{APIKey: pc.APIKey, BaseURL: pc.BaseURL, HTTPClient: httpClient}, pc.APIKey != "")
		case ProviderTavily:
			add(&search.Tavily{APIKey: pc.APIKey, BaseURL: pc.BaseURL, SearchDepth: cfg.TavilySearchDepth, HTTPClient: httpClient}, pc.APIKey != "")
		case ProviderClaude:
			client := llm.NewOpenAI(llm.Options{BaseURL: pc.BaseURL, APIKey: pc.APIKey, HTTPClient: httpClient})
			add(&search.Claude{Client: client, Model: cfg.ClaudeModel, HasKey: pc.APIKey != ""}, pc.APIKey != "")
		case ProviderSearxNG:
			if pc.BaseURL != "" {
				add(&search.SearxNG{BaseURL: pc.BaseURL, APIKey: pc.APIKey, UserAgent: cfg.UserAgent, HTTPClient: httpClient}, true)
			}
		case ProviderFile:
			if cfg.SearchFile != "" {
				add(&search.FileProvider{Path: cfg.SearchFile}, true)
			}
		}
	}
	return backends
}
