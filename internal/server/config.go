package server

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/protocol/codec"
	"github.com/zeusync/scenesync/internal/core/replication"
	"github.com/zeusync/scenesync/internal/core/simulation"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/host"
	"github.com/zeusync/scenesync/internal/storage/snapshot"
)

// Config holds server configuration
type Config struct {
	// Network settings
	WebSocketAddr  string `yaml:"websocket_addr" toml:"websocket_addr" env:"WEBSOCKET_ADDR"`
	QUICAddr       string `yaml:"quic_addr" toml:"quic_addr" env:"QUIC_ADDR"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections" env:"MAX_CONNECTIONS"`
	SendQueueSize  int    `yaml:"send_queue_size" toml:"send_queue_size" env:"SEND_QUEUE_SIZE"`

	// Wire format and replication
	Codec            string `yaml:"codec" toml:"codec" env:"CODEC"`
	GenerationPolicy string `yaml:"generation_policy" toml:"generation_policy" env:"GENERATION_POLICY"`

	// Scene sources, tried in order: snapshot, then scene file
	SceneFile string         `yaml:"scene_file" toml:"scene_file" env:"SCENE_FILE"`
	Snapshot  SnapshotConfig `yaml:"snapshot" toml:"snapshot" envPrefix:"SNAPSHOT_"`

	Simulation simulation.Config `yaml:"simulation" toml:"simulation" envPrefix:"SIMULATION_"`
	Transport  transport.Options `yaml:"transport" toml:"transport" envPrefix:"TRANSPORT_"`
}

// SnapshotConfig selects the sqlite snapshot the server loads on start and
// saves on stop. An empty Path disables persistence.
type SnapshotConfig struct {
	Path       string `yaml:"path" toml:"path" env:"PATH"`
	Name       string `yaml:"name" toml:"name" env:"NAME"`
	SaveOnStop bool   `yaml:"save_on_stop" toml:"save_on_stop" env:"SAVE_ON_STOP"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		WebSocketAddr:    "127.0.0.1:8080",
		MaxConnections:   host.DefaultMaxConnections,
		SendQueueSize:    host.DefaultSendQueueSize,
		Codec:            codec.NameJSON,
		GenerationPolicy: replication.GenerationPolicyApply.String(),
		Snapshot:         SnapshotConfig{Name: snapshot.DefaultName, SaveOnStop: true},
		Simulation:       simulation.DefaultConfig(),
		Transport:        transport.DefaultOptions(),
	}
}

// Validate reports the first invalid setting wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalidConfig)
	}
	if c.SendQueueSize < 0 {
		return fmt.Errorf("%w: send_queue_size must not be negative", ErrInvalidConfig)
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := replication.ParseGenerationPolicy(c.GenerationPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Simulation.TickRate < 0 || c.Simulation.TickRate > 1000 {
		return fmt.Errorf("%w: tick_rate must be between 1 and 1000", ErrInvalidConfig)
	}
	if c.Snapshot.Path != "" && c.Snapshot.Name == "" {
		return fmt.Errorf("%w: snapshot name is required with a snapshot path", ErrInvalidConfig)
	}
	if c.Transport.MaxFrameSize < 0 {
		return fmt.Errorf("%w: max_frame_size must not be negative", ErrInvalidConfig)
	}
	return nil
}
