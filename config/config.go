// Package config reads the YAML configuration of the cambio client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the setup wizard writes and the commands read by default.
const DefaultPath = "cambio.yaml"

// TokenEnv overrides an empty api_token.
const TokenEnv = "CAMBIO_API_TOKEN"

const (
	defaultExpirationTimeout = 15 * time.Minute
	defaultPollInterval      = 30 * time.Second
	defaultCountdownTick     = time.Second
	defaultListTick          = 30 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second
	defaultHTTPTimeout       = 15 * time.Second
	defaultJournalDir        = "./wal/uploads"
)

type Config struct {
	BackendURL string
	EventsURL  string
	APIToken   string
	DNI        string

	// ExpirationTimeout is the single window a Pendiente operation has to receive deposits.
	ExpirationTimeout time.Duration
	PollInterval      time.Duration
	CountdownTick     time.Duration
	ListTick          time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HTTPTimeout       time.Duration

	DashboardAddr string
	JournalDir    string
	Notifications bool
}

// configFile is the raw yaml form, validated into Config.
type configFile struct {
	BackendURL           string `yaml:"backend_url"`
	EventsURL            string `yaml:"events_url"`
	APIToken             string `yaml:"api_token,omitempty"`
	DNI                  string `yaml:"dni"`
	ExpirationTimeoutStr string `yaml:"expiration_timeout,omitempty"`
	PollIntervalStr      string `yaml:"poll_interval,omitempty"`
	CountdownTickStr     string `yaml:"countdown_tick,omitempty"`
	ListTickStr          string `yaml:"list_tick,omitempty"`
	ReconnectAttempts    *int   `yaml:"reconnect_attempts,omitempty"`
	ReconnectDelayStr    string `yaml:"reconnect_delay,omitempty"`
	HTTPTimeoutStr       string `yaml:"http_timeout,omitempty"`
	DashboardAddr        string `yaml:"dashboard_addr,omitempty"`
	JournalDir           string `yaml:"journal_dir,omitempty"`
	Notifications        *bool  `yaml:"notifications,omitempty"`
}

// Default returns a config with every optional field set.
func Default() Config {
	return Config{
		ExpirationTimeout: defaultExpirationTimeout,
		PollInterval:      defaultPollInterval,
		CountdownTick:     defaultCountdownTick,
		ListTick:          defaultListTick,
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
		HTTPTimeout:       defaultHTTPTimeout,
		JournalDir:        defaultJournalDir,
		Notifications:     true,
	}
}

// Load reads and validates the yaml config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse validates a yaml document.
func Parse(data []byte) (Config, error) {
	var raw configFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("malformed yaml config: %w", err)
	}
	return raw.validate()
}

func (c configFile) validate() (Config, error) {
	cfg := Default()

	var err error
	if cfg.BackendURL, err = checkURL("backend_url", c.BackendURL, "http", "https"); err != nil {
		return Config{}, err
	}
	if cfg.EventsURL, err = checkURL("events_url", c.EventsURL, "ws", "wss"); err != nil {
		return Config{}, err
	}

	cfg.DNI = strings.TrimSpace(c.DNI)
	if cfg.DNI == "" {
		return Config{}, fmt.Errorf("'dni' param is required in yaml config")
	}

	cfg.APIToken = c.APIToken
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv(TokenEnv)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"expiration_timeout", c.ExpirationTimeoutStr, &cfg.ExpirationTimeout},
		{"poll_interval", c.PollIntervalStr, &cfg.PollInterval},
		{"countdown_tick", c.CountdownTickStr, &cfg.CountdownTick},
		{"list_tick", c.ListTickStr, &cfg.ListTick},
		{"reconnect_delay", c.ReconnectDelayStr, &cfg.ReconnectDelay},
		{"http_timeout", c.HTTPTimeoutStr, &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect '%s' param in yaml config (correct format is 30s), error: %w", d.key, err)
		}
		// poll_interval 0 turns polling off, everything else must be positive
		if v < 0 || (v == 0 && d.key != "poll_interval") {
			return Config{}, fmt.Errorf("incorrect '%s' param in yaml config: %s must be positive", d.key, d.raw)
		}
		*d.dst = v
	}

	if c.ReconnectAttempts != nil {
		if *c.ReconnectAttempts < 1 {
			return Config{}, fmt.Errorf("incorrect 'reconnect_attempts' param in yaml config: %d, must be at least 1", *c.ReconnectAttempts)
		}
		cfg.ReconnectAttempts = *c.ReconnectAttempts
	}

	cfg.DashboardAddr = c.DashboardAddr
	if c.JournalDir != "" {
		cfg.JournalDir = c.JournalDir
	}
	if c.Notifications != nil {
		cfg.Notifications = *c.Notifications
	}

	return cfg, nil
}

// Save writes cfg to path. The file may hold the api token, so only the owner can read it.
func Save(path string, cfg Config) error {
	notifications := cfg.Notifications
	attempts := cfg.ReconnectAttempts
	raw := configFile{
		BackendURL:           cfg.BackendURL,
		EventsURL:            cfg.EventsURL,
		APIToken:             cfg.APIToken,
		DNI:                  cfg.DNI,
		ExpirationTimeoutStr: cfg.ExpirationTimeout.String(),
		PollIntervalStr:      cfg.PollInterval.String(),
		CountdownTickStr:     cfg.CountdownTick.String(),
		ListTickStr:          cfg.ListTick.String(),
		ReconnectAttempts:    &attempts,
		ReconnectDelayStr:    cfg.ReconnectDelay.String(),
		HTTPTimeoutStr:       cfg.HTTPTimeout.String(),
		DashboardAddr:        cfg.DashboardAddr,
		JournalDir:           cfg.JournalDir,
		Notifications:        &notifications,
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", fmt.Errorf("'%s' param is required in yaml config", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("incorrect '%s' param in yaml config: %s, error: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return raw, nil
		}
	}
	return "", fmt.Errorf("incorrect '%s' param in yaml config: %s, expected %s url", key, raw, strings.Join(schemes, " or "))
}
