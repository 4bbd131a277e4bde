package app

import (
    "errors"
    "fmt"
    "os"
    "strconv"
    "strings"
    "time"
)

// envPrefix maps a provider to the prefix of its env keys.
func envPrefix(provider string) string {
    return strings.ToUpper(provider)
}

// apiKeyEnv returns the credential variable for provider. Claude reads the
// Anthropic key.
func apiKeyEnv(provider string) string {
    if provider == ProviderClaude {
        return "ANTHROPIC_API_KEY"
    }
    return envPrefix(provider) + "_API_KEY"
}

// ApplyEnvOverrides overrides cfg fields with environment variables when the
// corresponding env vars are set. Env takes precedence over values coming
// from a config file while flags remain highest precedence. Unparseable
// values are collected and returned together; valid ones are still applied.
func ApplyEnvOverrides(cfg *Config) error {
    if cfg == nil { return nil }
    var errs []error

    setDuration := func(dst *time.Duration, key string) {
        if s := strings.TrimSpace(os.Getenv(key)); s != "" {
            d, err := parseDuration(s)
            if err != nil {
                errs = append(errs, fmt.Errorf("%s: %w", key, err))
                return
            }
            *dst = d
        }
    }
    setInt := func(dst *int, key string) {
        if s := strings.TrimSpace(os.Getenv(key)); s != "" {
            n, err := strconv.Atoi(s)
            if err != nil {
                errs = append(errs, fmt.Errorf("%s: %w", key, err))
                return
            }
            *dst = n
        }
    }
    setFloat := func(dst *float64, key string) {
        if s := strings.TrimSpace(os.Getenv(key)); s != "" {
            f, err := strconv.ParseFloat(s, 64)
            if err != nil {
                errs = append(errs, fmt.Errorf("%s: %w", key, err))
                return
            }
            *dst = f
        }
    }
    setString := func(dst *string, key string) {
        if v := strings.TrimSpace(os.Getenv(key)); v != "" { *dst = v }
    }
    setList := func(dst *[]string, key string) {
        if v := strings.TrimSpace(os.Getenv(key)); v != "" { *dst = splitList(v) }
    }
    // Booleans override when env present and truthy/falsey
    setBool := func(dst *bool, key string) {
        if s := strings.ToLower(strings.TrimSpace(os.Getenv(key))); s != "" {
            switch s {
            case "1", "true", "yes", "on":
                *dst = true
            case "0", "false", "no", "off":
                *dst = false
            default:
                errs = append(errs, fmt.Errorf("%s: not a boolean: %q", key, s))
            }
        }
    }

    setDuration(&cfg.Timeout, "SEARCH_TIMEOUT")
    setInt(&cfg.MaxResults, "SEARCH_MAX_RESULTS")
    setList(&cfg.FallbackChain, "SEARCH_FALLBACK_CHAIN")
    setList(&cfg.EnabledProviders, "SEARCH_PROVIDERS")
    setString(&cfg.UserAgent, "SEARCH_USER_AGENT")

    setInt(&cfg.CircuitFailureThreshold, "CIRCUIT_FAILURE_THRESHOLD")
    setDuration(&cfg.CircuitWindow, "CIRCUIT_WINDOW")
    setDuration(&cfg.CircuitCooldown, "CIRCUIT_COOLDOWN")
    setDuration(&cfg.CircuitCooldownMax, "CIRCUIT_COOLDOWN_MAX")
    setDuration(&cfg.RateWindow, "RATE_WINDOW")

    for _, name := range KnownProviders {
        p := envPrefix(name)
        pc := cfg.provider(name)
        setString(&pc.APIKey, apiKeyEnv(name))
        setString(&pc.BaseURL, p+"_BASE_URL")
        setInt(&pc.MaxResults, p+"_MAX_RESULTS")
        setInt(&pc.RateCapacity, p+"_RATE_CAPACITY")
        setFloat(&pc.RateRefill, p+"_RATE_REFILL")
        setDuration(&pc.Timeout, p+"_TIMEOUT")
        setFloat(&pc.Weight, p+"_WEIGHT")
        setInt(&pc.Retries, p+"_RETRIES")
        if name == ProviderSearxNG {
            setString(&pc.APIKey, "SEARXNG_KEY")
            setString(&pc.BaseURL, "SEARXNG_URL")
        }
        cfg.setProvider(name, pc)
    }
    setString(&cfg.SerpAPIEngine, "SERPAPI_ENGINE")
    setString(&cfg.DuckDuckGoSafeSearch, "DUCKDUCKGO_SAFESEARCH")
    setString(&cfg.ClaudeModel, "CLAUDE_MODEL")
    setString(&cfg.TavilySearchDepth, "TAVILY_SEARCH_DEPTH")
    setString(&cfg.SearchFile, "SEARCH_FILE")

    for _, kv := range os.Environ() {
        key, val, ok := strings.Cut(kv, "=")
        if !ok || len(key) <= len("OPTIMIZER__PROVIDERS") || !strings.HasPrefix(key, "OPTIMIZER_") || !strings.HasSuffix(key, "_PROVIDERS") {
            continue
        }
        category := strings.ToLower(key[len("OPTIMIZER_") : len(key)-len("_PROVIDERS")])
        if strings.TrimSpace(val) == "" {
            continue
        }
        if cfg.OptimizerPriorities == nil {
            cfg.OptimizerPriorities = make(map[string][]string)
        }
        cfg.OptimizerPriorities[category] = splitList(val)
    }

    setDuration(&cfg.FetchTimeout, "FETCH_TIMEOUT")
    setBool(&cfg.FetchRespectRobots, "FETCH_RESPECT_ROBOTS")
    setBool(&cfg.FetchAllowPrivateHosts, "FETCH_ALLOW_PRIVATE_HOSTS")
    setBool(&cfg.Verbose, "VERBOSE")
    setString(&cfg.LogFormat, "LOG_FORMAT")
    setString(&cfg.TracingExporter, "TRACING_EXPORTER")

    return errors.Join(errs...)
}

// parseDuration accepts plain seconds ("30", "1.5") or a Go duration ("750ms").
func parseDuration(s string) (time.Duration, error) {
    s = strings.TrimSpace(s)
    if f, err := strconv.ParseFloat(s, 64); err == nil {
        return time.Duration(f * float64(time.Second)), nil
    }
    d, err := time.ParseDuration(s)
    if err != nil {
        return 0, fmt.Errorf("invalid duration %q", s)
    }
    return d, nil
}

// splitList parses a comma-separated list, lowercasing and dropping blanks.
func splitList(s string) []string {
    parts := strings.Split(s, ",")
    list := make([]string, 0, len(parts))
    for _, p := range parts {
        if v := strings.ToLower(strings.TrimSpace(p)); v != "" { list = append(list, v) }
    }
    return list
}
