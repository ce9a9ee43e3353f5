//go:build linux

package event

import "fmt"

type EventType int

const (
	EVENT_TYPE_READ EventType = iota
	EVENT_TYPE_WRITE
	EVENT_TYPE_HANGUP
	EVENT_TYPE_LAST
)

func (et EventType) String() string {
	switch et {
	case EVENT_TYPE_READ:
		return "EVENT_TYPE_READ"
	case EVENT_TYPE_WRITE:
		return "EVENT_TYPE_WRITE"
	case EVENT_TYPE_HANGUP:
		return "EVENT_TYPE_HANGUP"
	default:
		return fmt.Sprintf("UNKNOWN: %d", et)
	}
}

// Interest is the set of readiness conditions a handle is watched for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) Readable() bool { return i&InterestRead != 0 }
func (i Interest) Writable() bool { return i&InterestWrite != 0 }
