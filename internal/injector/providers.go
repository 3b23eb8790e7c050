package injector

import (
	"context"
	"time"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/trace"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/server"
	"github.com/zeusync/scenesync/sdk/go/client"
)

const serviceName = "scenesync"

// Tracing marks that the global tracer provider is installed.
type Tracing struct {
	Enabled bool
}

func ProvideLogger(cfg config.Config) log.Log {
	return cfg.Log.Logger()
}

func ProvideTracing(ctx context.Context, cfg config.Config, logger log.Log) (Tracing, func(), error) {
	shutdown, err := trace.Setup(ctx, serviceName, cfg.Trace)
	if err != nil {
		return Tracing{}, nil, err
	}
	enabled := cfg.Trace.Enabled && cfg.Trace.Endpoint != ""
	if enabled {
		logger.Info("Tracing enabled", log.String("endpoint", cfg.Trace.Endpoint))
	}
	return Tracing{Enabled: enabled}, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("Failed to flush traces", log.Error(err))
		}
	}, nil
}

// ProvideRegistry returns the registry of entity types and behaviors shared
// by servers and clients of this binary.
func ProvideRegistry() *scene.Registry {
	return scene.NewRegistry()
}

func ProvideServerConfig(cfg config.Config) server.Config { return cfg.Server }

func ProvideClientConfig(cfg config.Config) client.Config { return cfg.Client }

func ProvideServer(cfg server.Config, logger log.Log, registry *scene.Registry, _ Tracing) (*server.Server, func(), error) {
	srv, err := server.NewServer(cfg, server.WithLogger(logger), server.WithRegistry(registry))
	if err != nil {
		return nil, nil, err
	}
	return srv, func() { _ = srv.Close() }, nil
}

func ProvideClient(cfg client.Config, logger log.Log, registry *scene.Registry, _ Tracing) (*client.Client, func(), error) {
	c, err := client.NewClient(cfg, client.WithLogger(logger), client.WithRegistry(registry))
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}
