package client

import (
	"fmt"

	"github.com/touka-aoi/relay-chat/core/engine"
)

const (
	DefaultNetwork    = "tcp"
	DefaultAddress    = "127.0.0.1:5555"
	DefaultBufferSize = 1024
	// poll also accepts regular files on the input side, which epoll refuses
	DefaultEngine = engine.EnginePoll
)

type Config struct {
	Network    string
	Address    string
	BufferSize int
	Engine     string
}

func DefaultConfig() Config {
	return Config{
		Network:    DefaultNetwork,
		Address:    DefaultAddress,
		BufferSize: DefaultBufferSize,
		Engine:     DefaultEngine,
	}
}

func (c Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	switch c.Engine {
	case engine.EngineEpoll, engine.EnginePoll:
	default:
		return fmt.Errorf("unknown readiness engine %q", c.Engine)
	}
	return nil
}
