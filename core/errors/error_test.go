package terrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestReason(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"nil":           {err: nil, want: "none"},
		"closed":        {err: ErrPeerClosed, want: "closed"},
		"wrapped slow":  {err: fmt.Errorf("flush: %w", ErrSlowConsumer), want: "slow_consumer"},
		"shutdown":      {err: ErrServerShutdown, want: "shutdown"},
		"capacity":      {err: ErrCapacity, want: "capacity"},
		"reset":         {err: fmt.Errorf("read: %w", unix.ECONNRESET), want: "reset"},
		"broken pipe":   {err: fmt.Errorf("write: %w", unix.EPIPE), want: "reset"},
		"anything else": {err: errors.New("boom"), want: "error"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(ErrWouldBlock))
	assert.True(t, IsTemporary(unix.EAGAIN))
	assert.True(t, IsTemporary(fmt.Errorf("read: %w", unix.EINTR)))
	assert.False(t, IsTemporary(nil))
	assert.False(t, IsTemporary(unix.ECONNRESET))
	assert.False(t, IsTemporary(ErrPeerClosed))
}
