package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvParsesAndQuotes(t *testing.T) {
	for _, key := range []string{"GRID_A", "GRID_B", "GRID_C"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	path := filepath.Join(t.TempDir(), ".env")
	content := "# credentials\nGRID_A=plain\nGRID_B=\"double\"\nGRID_C='single'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	for key, want := range map[string]string{"GRID_A": "plain", "GRID_B": "double", "GRID_C": "single"} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s: got %q want %q", key, got, want)
		}
	}
}

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	t.Setenv("GRID_A", "from-environment")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GRID_A=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("GRID_A"); got != "from-environment" {
		t.Fatalf("existing value overridden: %q", got)
	}
}

func TestLoadEnvMissingFileIsFine(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
}
