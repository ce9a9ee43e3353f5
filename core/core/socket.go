//go:build linux

package core

import (
	"errors"
	"fmt"
	"log/slog"

	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"golang.org/x/sys/unix"
)

// Socket owns one stream socket descriptor.
type Socket struct {
	Fd        int32
	LocalAddr string
	closed    bool
}

// CreateStreamSocket creates a close-on-exec SOCK_STREAM socket for the
// given address family.
func CreateStreamSocket(family int, nonblock bool) (*Socket, error) {
	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		slog.Error("Failed to create socket", "family", family, "err", err)
		return nil, fmt.Errorf("socket: %w", err)
	}

	if family != unix.AF_UNIX {
		// TIME_WAIT が残っていても再起動直後に bind できるようにする
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}

	return &Socket{Fd: int32(fd)}, nil
}

func (s *Socket) Bind(sa unix.Sockaddr) error {
	// https://man7.org/linux/man-pages/man2/bind.2.html
	if err := unix.Bind(int(s.Fd), sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	local, err := unix.Getsockname(int(s.Fd))
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	s.LocalAddr = SockaddrString(local)
	return nil
}

func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(int(s.Fd), backlog); err != nil {
		slog.Error("Failed to listen", "fd", s.Fd, "err", err)
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Accept takes one pending connection. The accepted socket is non-blocking.
// An empty backlog yields ErrWouldBlock.
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept4(int(s.Fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			conn := &Socket{Fd: int32(nfd)}
			if local, err := unix.Getsockname(nfd); err == nil {
				conn.LocalAddr = SockaddrString(local)
			}
			return conn, sa, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, nil, terrors.ErrWouldBlock
		default:
			return nil, nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// Connect starts the handshake. On a non-blocking socket an unfinished
// handshake returns ErrWouldBlock; writability then signals completion.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	err := unix.Connect(int(s.Fd), sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		// EINTR でもハンドシェイクは裏で進んでいる
		return terrors.ErrWouldBlock
	default:
		return fmt.Errorf("connect: %w", err)
	}
}

// Read returns (0, nil) on orderly shutdown by the remote side and
// ErrWouldBlock when nothing is available on a non-blocking socket.
func (s *Socket) Read(b []byte) (int, error) {
	return ReadFd(int(s.Fd), b)
}

func (s *Socket) Write(b []byte) (int, error) {
	return WriteFull(int(s.Fd), b)
}

func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(int(s.Fd)); err != nil {
		return fmt.Errorf("close fd %d: %w", s.Fd, err)
	}
	return nil
}

func ReadFd(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, terrors.ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// WriteFull loops until all of b is written. On a non-blocking descriptor it
// stops at EAGAIN and returns the bytes written so far with ErrWouldBlock.
func WriteFull(fd int, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := write(fd, b[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return written, terrors.ErrWouldBlock
		default:
			return written, err
		}
	}
	return written, nil
}

func write(fd int, b []byte) (int, error) {
	// MSG_NOSIGNAL: 切断済みの相手に書いても SIGPIPE ではなく EPIPE で返す
	n, err := unix.SendmsgN(fd, b, nil, nil, unix.MSG_NOSIGNAL)
	if errors.Is(err, unix.ENOTSOCK) {
		return unix.Write(fd, b)
	}
	return n, err
}
