package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Grid      GridConfig      `yaml:"grid"`
	State     StateConfig     `yaml:"state"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Operator  OperatorConfig  `yaml:"operator"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

type GridConfig struct {
	Instrument   string  `yaml:"instrument"`
	ATH          float64 `yaml:"ath"`
	StepFraction float64 `yaml:"step_fraction"`
	RoundingUnit float64 `yaml:"rounding_unit"`
	MaxSteps     int     `yaml:"max_steps"`
	OrderSize    float64 `yaml:"order_size"`
	WindowSize   int     `yaml:"window_size"`
	QueueSize    int     `yaml:"queue_size"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type AlertsConfig struct {
	Telegram    TelegramConfig `yaml:"telegram"`
	JournalPath string         `yaml:"journal_path"`
	QueueSize   int            `yaml:"queue_size"`
}

type OperatorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AllowedUserIDs []int64       `yaml:"allowed_user_ids"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://www.deribit.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://www.deribit.com/ws/api/v2"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 10 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 25 * time.Second
	}
	if cfg.WS.CallTimeout == 0 {
		cfg.WS.CallTimeout = 30 * time.Second
	}
	if cfg.Grid.RoundingUnit == 0 {
		cfg.Grid.RoundingUnit = 1000
	}
	if cfg.Grid.MaxSteps == 0 {
		cfg.Grid.MaxSteps = 19
	}
	if cfg.Grid.WindowSize == 0 {
		cfg.Grid.WindowSize = 2
	}
	if cfg.Grid.QueueSize == 0 {
		cfg.Grid.QueueSize = 16
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "data/grid-state.json"
	}
	if cfg.Alerts.JournalPath == "" {
		cfg.Alerts.JournalPath = "data/advisories.db"
	}
	if cfg.Alerts.QueueSize == 0 {
		cfg.Alerts.QueueSize = 64
	}
	if cfg.Operator.PollInterval == 0 {
		cfg.Operator.PollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Grid.Instrument == "" {
		return errors.New("grid.instrument is required")
	}
	if cfg.Grid.ATH <= 0 {
		return errors.New("grid.ath must be > 0")
	}
	if cfg.Grid.StepFraction <= 0 || cfg.Grid.StepFraction >= 1 {
		return errors.New("grid.step_fraction must be in (0, 1)")
	}
	if cfg.Grid.OrderSize <= 0 {
		return errors.New("grid.order_size must be > 0")
	}
	if cfg.Grid.RoundingUnit <= 0 {
		return errors.New("grid.rounding_unit must be > 0")
	}
	if cfg.Grid.MaxSteps < cfg.Grid.WindowSize {
		return errors.New("grid.max_steps must cover at least one window")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
