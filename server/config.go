package server

import (
	"fmt"

	"github.com/touka-aoi/relay-chat/core/engine"
)

const (
	DefaultNetwork            = "tcp"
	DefaultAddress            = ":5555"
	DefaultBacklog            = 5
	DefaultCapacity           = 10
	DefaultBufferSize         = 1024
	DefaultOutboundBufferSize = 64 * 1024
)

type Config struct {
	Network string
	Address string
	Backlog int
	// Capacity is the maximum number of concurrent peers. A connection
	// arriving while the set is full is accepted and closed at once.
	Capacity   int
	BufferSize int
	// OutboundBufferSize bounds the bytes queued for one peer whose socket
	// buffer is full. Overflow removes the peer as a slow consumer.
	OutboundBufferSize int
	Engine             string
}

func DefaultConfig() Config {
	return Config{
		Network:            DefaultNetwork,
		Address:            DefaultAddress,
		Backlog:            DefaultBacklog,
		Capacity:           DefaultCapacity,
		BufferSize:         DefaultBufferSize,
		OutboundBufferSize: DefaultOutboundBufferSize,
		Engine:             engine.EngineEpoll,
	}
}

func (c Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.Address == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("backlog must be positive, got %d", c.Backlog)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.OutboundBufferSize < c.BufferSize {
		return fmt.Errorf("outbound buffer (%d) must hold at least one read buffer (%d)", c.OutboundBufferSize, c.BufferSize)
	}
	switch c.Engine {
	case engine.EngineEpoll, engine.EnginePoll:
	default:
		return fmt.Errorf("unknown readiness engine %q", c.Engine)
	}
	return nil
}
