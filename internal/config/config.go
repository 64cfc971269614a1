// Package config loads client settings: defaults, then an optional TOML or
// YAML file, then AFB_* environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"afb-client/internal/client"
	"afb-client/internal/transport"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown config file format")

// Config is the resolved client configuration.
type Config struct {
	URL   string
	Token string
	// Host and Port, when set, replace the host part of URL.
	Host string
	Port string

	AutoReconnect        bool
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	CallTimeout          time.Duration
	CallRPS              float64
	CallBurst            int

	LogLevel string

	Gateway GatewayConfig
	AMQP    AMQPConfig
}

type GatewayConfig struct {
	Addr string
}

type AMQPConfig struct {
	URL      string
	Exchange string
	Events   []string
}

func Default() Config {
	return Config{
		URL:                  "ws://localhost:1234/api",
		AutoReconnect:        true,
		MaxReconnectAttempts: 10,
		HandshakeTimeout:     10 * time.Second,
		CallBurst:            1,
		LogLevel:             "info",
		Gateway:              GatewayConfig{Addr: ":8420"},
		AMQP: AMQPConfig{
			Exchange: "afb.events",
			Events:   []string{"*"},
		},
	}
}

type fileConfig struct {
	URL                  *string    `toml:"url" yaml:"url"`
	Token                *string    `toml:"token" yaml:"token"`
	Host                 *string    `toml:"host" yaml:"host"`
	Port                 *string    `toml:"port" yaml:"port"`
	AutoReconnect        *bool      `toml:"auto_reconnect" yaml:"auto_reconnect"`
	MaxReconnectAttempts *int       `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	HandshakeTimeout     *string    `toml:"handshake_timeout" yaml:"handshake_timeout"`
	CallTimeout          *string    `toml:"call_timeout" yaml:"call_timeout"`
	CallRPS              *float64   `toml:"call_rps" yaml:"call_rps"`
	CallBurst            *int       `toml:"call_burst" yaml:"call_burst"`
	LogLevel             *string    `toml:"log_level" yaml:"log_level"`
	Gateway              gatewayRaw `toml:"gateway" yaml:"gateway"`
	AMQP                 amqpRaw    `toml:"amqp" yaml:"amqp"`
}

type gatewayRaw struct {
	Addr *string `toml:"addr" yaml:"addr"`
}

type amqpRaw struct {
	URL      *string  `toml:"url" yaml:"url"`
	Exchange *string  `toml:"exchange" yaml:"exchange"`
	Events   []string `toml:"events" yaml:"events"`
}

// Load resolves defaults, the file at path (skipped when empty) and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile merges the file at path into cfg. The format follows the
// extension: .toml, .yaml or .yml.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return merge(cfg, raw)
}

func merge(dst *Config, src fileConfig) error {
	if src.URL != nil {
		dst.URL = strings.TrimSpace(*src.URL)
	}
	if src.Token != nil {
		dst.Token = *src.Token
	}
	if src.Host != nil {
		dst.Host = strings.TrimSpace(*src.Host)
	}
	if src.Port != nil {
		dst.Port = strings.TrimSpace(*src.Port)
	}
	if src.AutoReconnect != nil {
		dst.AutoReconnect = *src.AutoReconnect
	}
	if src.MaxReconnectAttempts != nil {
		dst.MaxReconnectAttempts = *src.MaxReconnectAttempts
	}
	if src.HandshakeTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*src.HandshakeTimeout))
		if err != nil {
			return fmt.Errorf("parse handshake_timeout: %w", err)
		}
		dst.HandshakeTimeout = d
	}
	if src.CallTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*src.CallTimeout))
		if err != nil {
			return fmt.Errorf("parse call_timeout: %w", err)
		}
		dst.CallTimeout = d
	}
	if src.CallRPS != nil {
		dst.CallRPS = *src.CallRPS
	}
	if src.CallBurst != nil {
		dst.CallBurst = *src.CallBurst
	}
	if src.LogLevel != nil {
		dst.LogLevel = strings.TrimSpace(*src.LogLevel)
	}
	if src.Gateway.Addr != nil {
		dst.Gateway.Addr = strings.TrimSpace(*src.Gateway.Addr)
	}
	if src.AMQP.URL != nil {
		dst.AMQP.URL = strings.TrimSpace(*src.AMQP.URL)
	}
	if src.AMQP.Exchange != nil {
		dst.AMQP.Exchange = strings.TrimSpace(*src.AMQP.Exchange)
	}
	if src.AMQP.Events != nil {
		dst.AMQP.Events = normalizeList(src.AMQP.Events)
	}
	return nil
}

// ApplyEnvOverrides applies AFB_* variables. Unparseable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("AFB_URL"); v != "" {
		cfg.URL = v
	}
	if v, ok := os.LookupEnv("AFB_TOKEN"); ok {
		cfg.Token = v
	}
	if v := env("AFB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := env("AFB_PORT"); v != "" {
		cfg.Port = v
	}
	if v := env("AFB_BASE"); v != "" {
		if t, err := transport.ParseTarget(cfg.URL); err == nil {
			if !strings.HasPrefix(v, "/") {
				v = "/" + v
			}
			t.Base = v
			cfg.URL = t.String()
		}
	}
	if v := env("AFB_AUTO_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoReconnect = b
		}
	}
	if v := env("AFB_CALL_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CallRPS = f
		}
	}
	if v := env("AFB_CALL_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CallBurst = n
		}
	}
	if v := env("AFB_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := env("AFB_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := env("AFB_AMQP_EXCHANGE"); v != "" {
		cfg.AMQP.Exchange = v
	}
}

// Validate rejects configurations the client cannot start with.
func (c Config) Validate() error {
	if _, err := transport.ParseTarget(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if c.CallRPS < 0 {
		return fmt.Errorf("call_rps must not be negative")
	}
	if c.HandshakeTimeout < 0 || c.CallTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// ClientOptions maps the configuration onto client options.
func (c Config) ClientOptions(logger zerolog.Logger) client.Options {
	opts := client.DefaultOptions()
	opts.Transport.HandshakeTimeout = c.HandshakeTimeout
	opts.AutoReconnect = c.AutoReconnect
	opts.MaxReconnectAttempts = c.MaxReconnectAttempts
	opts.CallRPS = c.CallRPS
	opts.CallBurst = c.CallBurst
	opts.Logger = logger
	return opts
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
