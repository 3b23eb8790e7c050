//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/server"
	"github.com/zeusync/scenesync/sdk/go/client"
)

func InitializeServer(ctx context.Context, cfg config.Config) (*server.Server, func(), error) {
	wire.Build(ProvideLogger, ProvideTracing, ProvideRegistry, ProvideServerConfig, ProvideServer)
	return nil, nil, nil
}

func InitializeClient(ctx context.Context, cfg config.Config) (*client.Client, func(), error) {
	wire.Build(ProvideLogger, ProvideTracing, ProvideRegistry, ProvideClientConfig, ProvideClient)
	return nil, nil, nil
}
