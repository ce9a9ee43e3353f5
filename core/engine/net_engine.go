//go:build linux

package engine

import (
	"fmt"
	"time"

	"github.com/touka-aoi/relay-chat/core/event"
)

const (
	EngineEpoll = "epoll"
	EnginePoll  = "poll"
)

// NetEvent is one readiness notification. Token is the opaque value the
// handle was registered with.
type NetEvent struct {
	EventType event.EventType
	Fd        int32
	Token     uint64
}

// NetEngine watches a set of descriptors for readiness. Implementations are
// not safe for concurrent use; the owning loop is the only caller.
type NetEngine interface {
	Register(fd int32, token uint64, interest event.Interest) error
	Modify(fd int32, token uint64, interest event.Interest) error
	Unregister(fd int32) error
	// WaitEvents blocks until at least one handle is ready. A negative
	// timeout waits forever. An interrupted wait returns no events and no error.
	WaitEvents(timeout time.Duration) ([]NetEvent, error)
	Close() error
}

func NewNetEngine(kind string) (NetEngine, error) {
	switch kind {
	case EngineEpoll, "":
		return NewEpollNetEngine(128)
	case EnginePoll:
		return NewPollNetEngine(), nil
	default:
		return nil, fmt.Errorf("unknown readiness engine %q", kind)
	}
}

func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return int(ms)
}
