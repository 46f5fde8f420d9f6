package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CAMPUS_REALTIME_ENDPOINT.
const EnvPrefix = "CAMPUS"

// Config represents the global ~/.campus/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session" envconfig:"default_session"`
	LogLevel       string   `toml:"log_level" envconfig:"log_level"`
	Realtime       Realtime `toml:"realtime" envconfig:"realtime"`
	API            API      `toml:"api" envconfig:"api"`
	User           User     `toml:"user" envconfig:"user"`

	// Token is only ever read from CAMPUS_TOKEN and is never written to disk.
	Token string `toml:"-" envconfig:"token"`
}

// Realtime configures the live connection and the send pipeline.
type Realtime struct {
	Endpoint           string   `toml:"endpoint" envconfig:"endpoint"`
	TokenIn            string   `toml:"token_in" envconfig:"token_in"`
	Reconnect          bool     `toml:"reconnect" envconfig:"reconnect"`
	ReconnectDelay     Duration `toml:"reconnect_delay" envconfig:"reconnect_delay"`
	ConfirmTimeout     Duration `toml:"confirm_timeout" envconfig:"confirm_timeout"`
	SendRate           float64  `toml:"send_rate" envconfig:"send_rate"`
	FetchHistoryOnJoin bool     `toml:"fetch_history_on_join" envconfig:"fetch_history_on_join"`
}

// API configures the REST collaborator.
type API struct {
	BaseURL string `toml:"base_url" envconfig:"base_url"`
}

// User identifies the local user; incoming messages from anyone else are
// marked read.
type User struct {
	ID   string `toml:"id" envconfig:"id"`
	Name string `toml:"name" envconfig:"name"`
}

// Duration is a time.Duration written as "5s" in TOML and env vars.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Realtime: Realtime{
			TokenIn:            "query",
			Reconnect:          true,
			ReconnectDelay:     Duration(5 * time.Second),
			ConfirmTimeout:     Duration(30 * time.Second),
			SendRate:           10,
			FetchHistoryOnJoin: true,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the TOML file
// at path (optional), then variables from envFile (optional) and the
// process environment.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("unable to get envconfig: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Realtime.TokenIn {
	case "query", "header":
	default:
		return fmt.Errorf("realtime.token_in must be query or header, got %q", c.Realtime.TokenIn)
	}
	if c.Realtime.Endpoint != "" {
		scheme, _, ok := strings.Cut(c.Realtime.Endpoint, "://")
		switch {
		case !ok:
			return fmt.Errorf("realtime.endpoint %q has no scheme", c.Realtime.Endpoint)
		case scheme != "ws" && scheme != "wss" && scheme != "http" && scheme != "https":
			return fmt.Errorf("realtime.endpoint scheme %q not supported", scheme)
		}
	}
	if c.Realtime.SendRate <= 0 {
		return errors.New("realtime.send_rate must be positive")
	}
	if c.Realtime.ConfirmTimeout.Std() <= 0 {
		return errors.New("realtime.confirm_timeout must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
