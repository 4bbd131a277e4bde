package app

import (
	"time"

	"github.com/hyperifyio/searchd/internal/circuit"
	"github.com/hyperifyio/searchd/internal/llm"
	"github.com/hyperifyio/searchd/internal/manager"
	"github.com/hyperifyio/searchd/internal/optimizer"
	"github.com/hyperifyio/searchd/internal/ratelimit"
)

// Provider names known to the wiring. searxng and file are only built when
// their endpoint or path is configured.
const (
	ProviderDuckDuckGo = "duckduckgo"
	ProviderSerpAPI    = "serpapi"
	ProviderPerplexity = "perplexity"
	ProviderTavily     = "tavily"
	ProviderClaude     = "claude"
	ProviderSearxNG    = "searxng"
	ProviderFile       = "file"
)

// KnownProviders lists every provider in configuration order.
var KnownProviders = []string{
	ProviderDuckDuckGo,
	ProviderSerpAPI,
	ProviderPerplexity,
	ProviderTavily,
	ProviderClaude,
	ProviderSearxNG,
	ProviderFile,
}

// ProviderConfig is the per-provider profile.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	// RateCapacity and RateRefill shape the token bucket (burst, tokens per second).
	RateCapacity int
	RateRefill   float64
	// Timeout is the per-call ceiling.
	Timeout time.Duration
	Weight  float64
	Retries int
}

// Config holds runtime configuration for the service.
type Config struct {
	// Search
	Timeout          time.Duration
	MaxResults       int
	FallbackChain    []string
	EnabledProviders []string
	UserAgent        string

	// Circuit policy
	CircuitFailureThreshold int
	CircuitWindow           time.Duration
	CircuitCooldown         time.Duration
	CircuitCooldownMax      time.Duration

	RateWindow time.Duration

	// Provider knobs
	Providers            map[string]ProviderConfig
	SerpAPIEngine        string
	DuckDuckGoSafeSearch string
	ClaudeModel          string
	TavilySearchDepth    string
	SearchFile           string

	// OptimizerPriorities overrides the provider order per category.
	OptimizerPriorities map[string][]string

	// Page fetching
	FetchTimeout      time.Duration
	FetchMaxBodyBytes int64
	// FetchRespectRobots makes fetch_page consult robots.txt first.
	FetchRespectRobots     bool
	FetchAllowPrivateHosts bool

	// Behavior
	Verbose         bool
	LogFormat       string
	TracingExporter string
}

const defaultUserAgent = "searchd/1.0 (+https://github.com/hyperifyio/searchd)"

// DefaultConfig returns the built-in defaults. Env, file and flags are
// layered on top.
func DefaultConfig() Config {
	cb := circuit.DefaultConfig()
	providers := make(map[string]ProviderConfig, len(KnownProviders))
	for _, name := range KnownProviders {
		providers[name] = defaultProviderConfig(name)
	}
	return Config{
		Timeout:                 30 * time.Second,
		MaxResults:              10,
		FallbackChain:           append([]string(nil), manager.DefaultFallbackChain...),
		UserAgent:               defaultUserAgent,
		CircuitFailureThreshold: cb.FailureThreshold,
		CircuitWindow:           cb.Window,
		CircuitCooldown:         cb.Cooldown,
		CircuitCooldownMax:      cb.MaxCooldown,
		RateWindow:              ratelimit.DefaultWindow,
		Providers:               providers,
		SerpAPIEngine:           "google",
		DuckDuckGoSafeSearch:    "moderate",
		TavilySearchDepth:       "basic",
		OptimizerPriorities:     optimizer.DefaultPriorities(),
		FetchTimeout:            15 * time.Second,
		FetchMaxBodyBytes:       2 << 20,
		FetchRespectRobots:      true,
		LogFormat:               "console",
		TracingExporter:         "none",
	}
}

func defaultProviderConfig(name string) ProviderConfig {
	pc := ProviderConfig{
		MaxResults:   10,
		RateCapacity: 5,
		RateRefill:   1,
		Timeout:      15 * time.Second,
		Weight:       1,
		Retries:      1,
	}
	switch name {
	case ProviderDuckDuckGo:
		// The HTML endpoint challenges bursts quickly.
		pc.RateCapacity, pc.RateRefill = 2, 0.5
		pc.Weight = 0.9
	case ProviderClaude:
		pc.BaseURL = llm.AnthropicCompatBaseURL
		pc.RateCapacity, pc.RateRefill = 1, 0.5
		pc.Timeout = 60 * time.Second
		pc.Weight = 0.6
		pc.Retries = 0
	case ProviderFile:
		pc.Retries = 0
	}
	return pc
}

// provider returns the profile for name, falling back to the defaults.
func (c Config) provider(name string) ProviderConfig {
	if pc, ok := c.Providers[name]; ok {
		return pc
	}
	return defaultProviderConfig(name)
}

func (c *Config) setProvider(name string, pc ProviderConfig) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig, len(KnownProviders))
	}
	c.Providers[name] = pc
}
