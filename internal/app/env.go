package app

import (
    "bufio"
    "errors"
    "os"
    "strings"
)

// DefaultEnvFiles are loaded by the CLI before reading configuration.
var DefaultEnvFiles = []string{".env"}

// LoadEnvFiles loads one or more dotenv files of KEY=VALUE pairs into the
// process environment. Variables already set in the process win; among the
// files, later ones override earlier ones. Lines starting with '#', blank
// lines and an optional "export " prefix are handled. Values are not expanded.
func LoadEnvFiles(paths ...string) error {
    preset := make(map[string]bool)
    for _, kv := range os.Environ() {
        if k, _, ok := strings.Cut(kv, "="); ok {
            preset[k] = true
        }
    }
    for _, p := range paths {
        if strings.TrimSpace(p) == "" {
            continue
        }
        if err := loadEnvFile(p, preset); err != nil {
            // Missing files are not fatal; continue to next path
            if errors.Is(err, os.ErrNotExist) {
                continue
            }
            return err
        }
    }
    return nil
}

func loadEnvFile(path string, preset map[string]bool) error {
    f, err := os.Open(path)
    if err != nil {
        return err
    }
    defer f.Close()

    scanner := bufio.NewScanner(f)
    for scanner.Scan() {
        line := strings.TrimSpace(scanner.Text())
        if line == "" || strings.HasPrefix(line, "#") {
            continue
        }
        line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
        key, val, ok := strings.Cut(line, "=")
        key = strings.TrimSpace(key)
        if !ok || key == "" {
            // ignore malformed lines silently
            continue
        }
        if preset[key] {
            continue
        }
        val = strings.TrimSpace(val)
        // strip optional surrounding quotes
        if len(val) >= 2 {
            if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
                val = val[1 : len(val)-1]
            }
        }
        _ = os.Setenv(key, val)
    }
    return scanner.Err()
}
