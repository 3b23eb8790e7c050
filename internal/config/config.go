// Package config loads the scenesync process configuration from a YAML or
// TOML file and SCENESYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/trace"
	"github.com/zeusync/scenesync/internal/server"
	"github.com/zeusync/scenesync/sdk/go/client"
)

// EnvPrefix prefixes every environment override, e.g. SCENESYNC_SERVER_CODEC.
const EnvPrefix = "SCENESYNC_"

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported config file format")
)

type Config struct {
	Log    LogConfig     `yaml:"log" toml:"log" envPrefix:"LOG_"`
	Trace  trace.Options `yaml:"trace" toml:"trace" envPrefix:"TRACE_"`
	Server server.Config `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Client client.Config `yaml:"client" toml:"client" envPrefix:"CLIENT_"`
}

type LogConfig struct {
	Level    string `yaml:"level" toml:"level" env:"LEVEL"`
	Encoding string `yaml:"encoding" toml:"encoding" env:"ENCODING"`
}

func DefaultConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info", Encoding: "json"},
		Trace:  trace.Options{Ratio: 1},
		Server: server.DefaultServerConfig(),
		Client: client.DefaultClientConfig(),
	}
}

// Load reads path on top of DefaultConfig, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
		return nil
	case ".toml":
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: %s: unknown key %s", ErrInvalidConfig, path, undecoded[0])
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func (c Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: unknown log encoding %q", ErrInvalidConfig, c.Log.Encoding)
	}
	if c.Trace.Enabled && c.Trace.Endpoint == "" {
		return fmt.Errorf("%w: tracing enabled without an endpoint", ErrInvalidConfig)
	}
	if c.Trace.Ratio < 0 || c.Trace.Ratio > 1 {
		return fmt.Errorf("%w: trace ratio must be within [0, 1]", ErrInvalidConfig)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("%w: server: %w", ErrInvalidConfig, err)
	}
	switch c.Client.Transport {
	case client.TransportWebSocket, client.TransportQUIC:
	default:
		return fmt.Errorf("%w: unknown client transport %q", ErrInvalidConfig, c.Client.Transport)
	}
	return nil
}

// Logger builds the process logger. The first logger built becomes the one
// log.Provide returns.
func (c LogConfig) Logger() *log.Logger {
	return log.NewWithOptions(log.Options{
		Level:    log.ParseLevel(c.Level),
		Encoding: c.Encoding,
	})
}
