package app

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"deribit-grid-bot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		REST: config.RESTConfig{BaseURL: "http://unused"},
		WS:   config.WSConfig{URL: "wss://unused"},
		Grid: config.GridConfig{
			Instrument:   "BTC-PERPETUAL",
			ATH:          126000,
			StepFraction: 0.05,
			RoundingUnit: 1000,
			MaxSteps:     19,
			OrderSize:    100,
			WindowSize:   2,
		},
		State:  config.StateConfig{Path: filepath.Join(dir, "state.json")},
		Alerts: config.AlertsConfig{JournalPath: filepath.Join(dir, "advisories.db")},
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv("DERIBIT_CLIENT_ID", "")
	t.Setenv("DERIBIT_CLIENT_SECRET", "")
	if _, err := New(testConfig(t), zap.NewNop()); err == nil {
		t.Fatalf("expected error without credentials")
	}

	t.Setenv("DERIBIT_CLIENT_ID", "client")
	if _, err := New(testConfig(t), zap.NewNop()); err == nil {
		t.Fatalf("expected error without client secret")
	}
}

func TestNewWiresComponents(t *testing.T) {
	t.Setenv("DERIBIT_CLIENT_ID", "client")
	t.Setenv("DERIBIT_CLIENT_SECRET", "secret")

	cfg := testConfig(t)
	app, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer app.journal.Close()

	if app.engine == nil || app.session == nil || app.rest == nil || app.dispatcher == nil {
		t.Fatalf("expected all core components wired")
	}
	if app.journal == nil {
		t.Fatalf("expected advisory journal when a path is configured")
	}
	if app.timescale != nil {
		t.Fatalf("expected no timescale writer when disabled")
	}
	if _, err := os.Stat(cfg.Alerts.JournalPath); err != nil {
		t.Fatalf("expected journal file created: %v", err)
	}
}

func TestNewRejectsCorruptState(t *testing.T) {
	t.Setenv("DERIBIT_CLIENT_ID", "client")
	t.Setenv("DERIBIT_CLIENT_SECRET", "secret")

	cfg := testConfig(t)
	if err := os.WriteFile(cfg.State.Path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected corrupt state to refuse startup")
	}
}
