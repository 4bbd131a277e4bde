package app

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    yaml "gopkg.in/yaml.v3"

    "github.com/hyperifyio/searchd/internal/tracer"
)

// FileProviderConfig is one entry under "providers" in the config file.
// Durations are strings ("15s" or plain seconds).
type FileProviderConfig struct {
    Key          string  `yaml:"key" json:"key"`
    BaseURL      string  `yaml:"baseURL" json:"baseURL"`
    MaxResults   int     `yaml:"maxResults" json:"maxResults"`
    RateCapacity int     `yaml:"rateCapacity" json:"rateCapacity"`
    RateRefill   float64 `yaml:"rateRefill" json:"rateRefill"`
    Timeout      string  `yaml:"timeout" json:"timeout"`
    Weight       float64 `yaml:"weight" json:"weight"`
    Retries      *int    `yaml:"retries" json:"retries"`
}

// FileConfig represents the single-file configuration schema.
// Nested sections map naturally to flags/env.
type FileConfig struct {
    Search struct {
        Timeout       string   `yaml:"timeout" json:"timeout"`
        MaxResults    int      `yaml:"maxResults" json:"maxResults"`
        FallbackChain []string `yaml:"fallbackChain" json:"fallbackChain"`
        Providers     []string `yaml:"providers" json:"providers"`
        UserAgent     string   `yaml:"userAgent" json:"userAgent"`
        File          string   `yaml:"file" json:"file"`
    } `yaml:"search" json:"search"`

    Circuit struct {
        FailureThreshold int    `yaml:"failureThreshold" json:"failureThreshold"`
        Window           string `yaml:"window" json:"window"`
        Cooldown         string `yaml:"cooldown" json:"cooldown"`
        CooldownMax      string `yaml:"cooldownMax" json:"cooldownMax"`
    } `yaml:"circuit" json:"circuit"`

    Rate struct {
        Window string `yaml:"window" json:"window"`
    } `yaml:"rate" json:"rate"`

    Providers map[string]FileProviderConfig `yaml:"providers" json:"providers"`

    SerpAPI struct {
        Engine string `yaml:"engine" json:"engine"`
    } `yaml:"serpapi" json:"serpapi"`
    DuckDuckGo struct {
        SafeSearch string `yaml:"safeSearch" json:"safeSearch"`
    } `yaml:"duckduckgo" json:"duckduckgo"`
    Claude struct {
        Model string `yaml:"model" json:"model"`
    } `yaml:"claude" json:"claude"`
    Tavily struct {
        SearchDepth string `yaml:"searchDepth" json:"searchDepth"`
    } `yaml:"tavily" json:"tavily"`

    // Optimizer maps a category to its provider order.
    Optimizer map[string][]string `yaml:"optimizer" json:"optimizer"`

    Fetch struct {
        Timeout           string `yaml:"timeout" json:"timeout"`
        MaxBodyBytes      int64  `yaml:"maxBodyBytes" json:"maxBodyBytes"`
        RespectRobots     *bool  `yaml:"respectRobots" json:"respectRobots"`
        AllowPrivateHosts bool   `yaml:"allowPrivateHosts" json:"allowPrivateHosts"`
    } `yaml:"fetch" json:"fetch"`

    Log struct {
        Verbose bool   `yaml:"verbose" json:"verbose"`
        Format  string `yaml:"format" json:"format"`
    } `yaml:"log" json:"log"`

    Tracing struct {
        Exporter string `yaml:"exporter" json:"exporter"`
    } `yaml:"tracing" json:"tracing"`
}

// LoadConfigFile reads YAML or JSON into FileConfig.
func LoadConfigFile(path string) (FileConfig, error) {
    var fc FileConfig
    b, err := os.ReadFile(path)
    if err != nil {
        return fc, err
    }
    switch ext := filepath.Ext(path); ext {
    case ".yaml", ".yml":
        if err := yaml.Unmarshal(b, &fc); err != nil {
            return fc, fmt.Errorf("parse yaml: %w", err)
        }
    case ".json":
        if err := json.Unmarshal(b, &fc); err != nil {
            return fc, fmt.Errorf("parse json: %w", err)
        }
    default:
        // Try YAML then JSON
        if err := yaml.Unmarshal(b, &fc); err != nil {
            if jerr := json.Unmarshal(b, &fc); jerr != nil {
                return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
            }
        }
    }
    return fc, nil
}

// ApplyFileConfig overlays the values set in fc onto cfg. Zero values in the
// file leave cfg untouched.
func ApplyFileConfig(cfg *Config, fc FileConfig) error {
    if cfg == nil { return nil }
    var errs []error
    setDuration := func(dst *time.Duration, field, s string) {
        if strings.TrimSpace(s) == "" { return }
        d, err := parseDuration(s)
        if err != nil {
            errs = append(errs, fmt.Errorf("%s: %w", field, err))
            return
        }
        *dst = d
    }

    setDuration(&cfg.Timeout, "search.timeout", fc.Search.Timeout)
    if fc.Search.MaxResults != 0 { cfg.MaxResults = fc.Search.MaxResults }
    if len(fc.Search.FallbackChain) > 0 { cfg.FallbackChain = normalizeList(fc.Search.FallbackChain) }
    if len(fc.Search.Providers) > 0 { cfg.EnabledProviders = normalizeList(fc.Search.Providers) }
    if fc.Search.UserAgent != "" { cfg.UserAgent = fc.Search.UserAgent }
    if fc.Search.File != "" { cfg.SearchFile = fc.Search.File }

    if fc.Circuit.FailureThreshold != 0 { cfg.CircuitFailureThreshold = fc.Circuit.FailureThreshold }
    setDuration(&cfg.CircuitWindow, "circuit.window", fc.Circuit.Window)
    setDuration(&cfg.CircuitCooldown, "circuit.cooldown", fc.Circuit.Cooldown)
    setDuration(&cfg.CircuitCooldownMax, "circuit.cooldownMax", fc.Circuit.CooldownMax)
    setDuration(&cfg.RateWindow, "rate.window", fc.Rate.Window)

    for rawName, fp := range fc.Providers {
        name := strings.ToLower(strings.TrimSpace(rawName))
        if !isKnownProvider(name) {
            errs = append(errs, fmt.Errorf("providers.%s: unknown provider", rawName))
            continue
        }
        pc := cfg.provider(name)
        if fp.Key != "" { pc.APIKey = fp.Key }
        if fp.BaseURL != "" { pc.BaseURL = fp.BaseURL }
        if fp.MaxResults != 0 { pc.MaxResults = fp.MaxResults }
        if fp.RateCapacity != 0 { pc.RateCapacity = fp.RateCapacity }
        if fp.RateRefill != 0 { pc.RateRefill = fp.RateRefill }
        setDuration(&pc.Timeout, "providers."+name+".timeout", fp.Timeout)
        if fp.Weight != 0 { pc.Weight = fp.Weight }
        if fp.Retries != nil { pc.Retries = *fp.Retries }
        cfg.setProvider(name, pc)
    }

    if fc.SerpAPI.Engine != "" { cfg.SerpAPIEngine = fc.SerpAPI.Engine }
    if fc.DuckDuckGo.SafeSearch != "" { cfg.DuckDuckGoSafeSearch = fc.DuckDuckGo.SafeSearch }
    if fc.Claude.Model != "" { cfg.ClaudeModel = fc.Claude.Model }
    if fc.Tavily.SearchDepth != "" { cfg.TavilySearchDepth = fc.Tavily.SearchDepth }

    for category, order := range fc.Optimizer {
        if len(order) == 0 { continue }
        if cfg.OptimizerPriorities == nil {
            cfg.OptimizerPriorities = make(map[string][]string)
        }
        cfg.OptimizerPriorities[strings.ToLower(category)] = normalizeList(order)
    }

    setDuration(&cfg.FetchTimeout, "fetch.timeout", fc.Fetch.Timeout)
    if fc.Fetch.MaxBodyBytes != 0 { cfg.FetchMaxBodyBytes = fc.Fetch.MaxBodyBytes }
    if fc.Fetch.RespectRobots != nil { cfg.FetchRespectRobots = *fc.Fetch.RespectRobots }
    if fc.Fetch.AllowPrivateHosts { cfg.FetchAllowPrivateHosts = true }

    if !cfg.Verbose && fc.Log.Verbose { cfg.Verbose = true }
    if fc.Log.Format != "" { cfg.LogFormat = fc.Log.Format }
    if fc.Tracing.Exporter != "" { cfg.TracingExporter = fc.Tracing.Exporter }
    return errors.Join(errs...)
}

// ValidateConfig rejects settings the service cannot run with.
func ValidateConfig(cfg Config) error {
    var errs []error
    if cfg.Timeout <= 0 {
        errs = append(errs, errors.New("config: search timeout must be positive"))
    }
    if cfg.MaxResults <= 0 {
        errs = append(errs, errors.New("config: search max results must be positive"))
    }
    if cfg.CircuitFailureThreshold <= 0 {
        errs = append(errs, errors.New("config: circuit failure threshold must be positive"))
    }
    if cfg.CircuitWindow <= 0 || cfg.CircuitCooldown <= 0 || cfg.CircuitCooldownMax <= 0 {
        errs = append(errs, errors.New("config: circuit window and cooldowns must be positive"))
    }
    if cfg.CircuitCooldownMax < cfg.CircuitCooldown {
        errs = append(errs, errors.New("config: circuit max cooldown is shorter than the cooldown"))
    }
    if cfg.RateWindow <= 0 {
        errs = append(errs, errors.New("config: rate window must be positive"))
    }
    for _, name := range KnownProviders {
        pc := cfg.provider(name)
        if pc.MaxResults <= 0 {
            errs = append(errs, fmt.Errorf("config: %s: max results must be positive", name))
        }
        if pc.RateCapacity <= 0 || pc.RateRefill <= 0 {
            errs = append(errs, fmt.Errorf("config: %s: rate capacity and refill must be positive", name))
        }
        // The rolling window admits at most capacity grants, so a faster refill is never reached.
        if cfg.RateWindow > 0 && pc.RateRefill*cfg.RateWindow.Seconds() > float64(pc.RateCapacity) {
            errs = append(errs, fmt.Errorf("config: %s: refill of %g/s exceeds the %d grants the %s rate window admits", name, pc.RateRefill, pc.RateCapacity, cfg.RateWindow))
        }
        if pc.Timeout <= 0 {
            errs = append(errs, fmt.Errorf("config: %s: timeout must be positive", name))
        }
        if pc.Weight <= 0 {
            errs = append(errs, fmt.Errorf("config: %s: weight must be positive", name))
        }
        if pc.Retries < 0 {
            errs = append(errs, fmt.Errorf("config: %s: retries must not be negative", name))
        }
    }
    for _, name := range cfg.FallbackChain {
        if !isKnownProvider(name) {
            errs = append(errs, fmt.Errorf("config: fallback chain: unknown provider %q", name))
        }
    }
    for _, name := range cfg.EnabledProviders {
        if !isKnownProvider(name) {
            errs = append(errs, fmt.Errorf("config: enabled providers: unknown provider %q", name))
        }
    }
    switch strings.ToLower(cfg.LogFormat) {
    case "", "console", "json":
    default:
        errs = append(errs, fmt.Errorf("config: unknown log format %q", cfg.LogFormat))
    }
    if !tracer.Supported(cfg.TracingExporter) {
        errs = append(errs, fmt.Errorf("config: unknown tracing exporter %q", cfg.TracingExporter))
    }
    return errors.Join(errs...)
}

func isKnownProvider(name string) bool {
    for _, p := range KnownProviders {
        if p == name { return true }
    }
    return false
}

func normalizeList(in []string) []string {
    out := make([]string, 0, len(in))
    for _, v := range in {
        if s := strings.ToLower(strings.TrimSpace(v)); s != "" { out = append(out, s) }
    }
    return out
}
