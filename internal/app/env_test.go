package app

import (
    "os"
    "path/filepath"
    "testing"
)

// unsetEnv clears key for the duration of the test so dotenv loading sees it
// as absent.
func unsetEnv(t *testing.T, key string) {
    t.Helper()
    t.Setenv(key, "")
    if err := os.Unsetenv(key); err != nil {
        t.Fatalf("unset %s: %v", key, err)
    }
}

func TestLoadEnvFiles_LoadsKeyValues(t *testing.T) {
    unsetEnv(t, "SEARCHD_TEST_FOO")
    unsetEnv(t, "SEARCHD_TEST_BAR")

    dir := t.TempDir()
    envPath := filepath.Join(dir, ".env.test")
    content := "\n# sample dotenv file\nSEARCHD_TEST_FOO=alpha\nexport SEARCHD_TEST_BAR=\"beta gamma\"\nnot a pair\n"
    if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
        t.Fatalf("write dotenv: %v", err)
    }

    if err := LoadEnvFiles(envPath); err != nil {
        t.Fatalf("LoadEnvFiles error: %v", err)
    }

    if got := os.Getenv("SEARCHD_TEST_FOO"); got != "alpha" {
        t.Fatalf("FOO=%q, want alpha", got)
    }
    if got := os.Getenv("SEARCHD_TEST_BAR"); got != "beta gamma" {
        t.Fatalf("BAR=%q, want beta gamma", got)
    }
}

// Later files override earlier ones when loading multiple dotenv files.
func TestLoadEnvFiles_OverrideOrder(t *testing.T) {
    unsetEnv(t, "SEARCHD_TEST_K")
    dir := t.TempDir()
    a := filepath.Join(dir, ".env.a")
    b := filepath.Join(dir, ".env.b")
    if err := os.WriteFile(a, []byte("SEARCHD_TEST_K=first\n"), 0o600); err != nil { t.Fatalf("write a: %v", err) }
    if err := os.WriteFile(b, []byte("SEARCHD_TEST_K=second\n"), 0o600); err != nil { t.Fatalf("write b: %v", err) }

    if err := LoadEnvFiles(a, filepath.Join(dir, "missing.env"), b); err != nil {
        t.Fatalf("LoadEnvFiles error: %v", err)
    }
    if got := os.Getenv("SEARCHD_TEST_K"); got != "second" {
        t.Fatalf("override order failed: got %q, want second", got)
    }
}

// The process environment wins over dotenv files.
func TestLoadEnvFiles_ProcessEnvWins(t *testing.T) {
    t.Setenv("SEARCHD_TEST_KEEP", "from-process")
    dir := t.TempDir()
    p := filepath.Join(dir, ".env")
    if err := os.WriteFile(p, []byte("SEARCHD_TEST_KEEP=from-file\n"), 0o600); err != nil {
        t.Fatalf("write: %v", err)
    }
    if err := LoadEnvFiles(p); err != nil {
        t.Fatalf("LoadEnvFiles error: %v", err)
    }
    if got := os.Getenv("SEARCHD_TEST_KEEP"); got != "from-process" {
        t.Fatalf("got %q, want from-process", got)
    }
}
