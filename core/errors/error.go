package terrors

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock は、非ブロッキング操作がすぐに完了できない場合に返されるエラー
var ErrWouldBlock = errors.New("operation would block")

var (
	ErrPeerClosed     = errors.New("peer closed connection")
	ErrSlowConsumer   = errors.New("peer outbound queue overflow")
	ErrServerShutdown = errors.New("server shutting down")
	ErrCapacity       = errors.New("peer set is full")
	ErrServerClosed   = errors.New("server closed connection")
)

// Reason maps an error to a short, bounded label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPeerClosed):
		return "closed"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrServerShutdown):
		return "shutdown"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return "reset"
	default:
		return "error"
	}
}

// IsTemporary reports whether a syscall error only means "try again later".
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, ErrWouldBlock)
}
