package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
grid:
  instrument: BTC_USDC-PERPETUAL
  ath: 126000
  step_fraction: 0.05
  order_size: 0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.WS.URL != "wss://www.deribit.com/ws/api/v2" {
		t.Fatalf("unexpected ws url %q", cfg.WS.URL)
	}
	if cfg.WS.ReconnectDelay != 10*time.Second || cfg.WS.PingInterval != 25*time.Second {
		t.Fatalf("unexpected ws timing defaults: %+v", cfg.WS)
	}
	if cfg.Grid.RoundingUnit != 1000 || cfg.Grid.MaxSteps != 19 || cfg.Grid.WindowSize != 2 {
		t.Fatalf("unexpected grid defaults: %+v", cfg.Grid)
	}
	if cfg.State.Path != "data/grid-state.json" {
		t.Fatalf("unexpected state path %q", cfg.State.Path)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
ws:
  reconnect_delay: 5s
  ping_interval: 30s
grid:
  instrument: BTC_USDC-PERPETUAL
  ath: 126000
  step_fraction: 0.05
  order_size: 0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.WS.ReconnectDelay != 5*time.Second || cfg.WS.PingInterval != 30*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.WS)
	}
}

func TestValidateRejectsBadGrid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing instrument", `
grid:
  ath: 126000
  step_fraction: 0.05
  order_size: 0.1
`},
		{"zero ath", `
grid:
  instrument: BTC_USDC-PERPETUAL
  step_fraction: 0.05
  order_size: 0.1
`},
		{"step fraction out of range", `
grid:
  instrument: BTC_USDC-PERPETUAL
  ath: 126000
  step_fraction: 1.5
  order_size: 0.1
`},
		{"zero order size", `
grid:
  instrument: BTC_USDC-PERPETUAL
  ath: 126000
  step_fraction: 0.05
`},
		{"timescale without dsn", `
grid:
  instrument: BTC_USDC-PERPETUAL
  ath: 126000
  step_fraction: 0.05
  order_size: 0.1
timescale:
  enabled: true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
