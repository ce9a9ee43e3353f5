//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/touka-aoi/relay-chat/core/core"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"golang.org/x/sys/unix"
)

const dialPollInterval = 100 * time.Millisecond

// Dial connects a stream socket and returns it in blocking mode. The connect
// itself is non-blocking so that ctx can abandon a slow handshake.
func Dial(ctx context.Context, network, address string) (*core.Socket, error) {
	ep, err := core.ResolveEndpoint(network, address)
	if err != nil {
		return nil, err
	}

	s, err := core.CreateStreamSocket(ep.Family(), true)
	if err != nil {
		return nil, err
	}

	if err := connect(ctx, s, ep); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("dial %s %s: %w", network, ep, err)
	}

	if err := unix.SetNonblock(int(s.Fd), false); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("set blocking: %w", err)
	}
	if local, err := unix.Getsockname(int(s.Fd)); err == nil {
		s.LocalAddr = core.SockaddrString(local)
	}
	return s, nil
}

func connect(ctx context.Context, s *core.Socket, ep core.Endpoint) error {
	err := s.Connect(ep.Sockaddr())
	if err == nil {
		return nil
	}
	if !errors.Is(err, terrors.ErrWouldBlock) {
		return err
	}

	// 接続完了は書き込み可能になったことで分かる
	pfd := []unix.PollFd{{Fd: s.Fd, Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := dialPollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = max(remaining, time.Millisecond)
			}
		}
		n, err := unix.Poll(pfd, timeoutMillis(wait))
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return err
		}
		soErr, err := unix.GetsockoptInt(int(s.Fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}
