//go:build linux

package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/touka-aoi/relay-chat/core/core"
)

// Listener is a non-blocking listening stream socket.
type Listener struct {
	socket   *core.Socket
	endpoint core.Endpoint
}

func Listen(network, address string, backlog int) (*Listener, error) {
	ep, err := core.ResolveEndpoint(network, address)
	if err != nil {
		return nil, err
	}

	if ep.Network == "unix" {
		if err := removeStaleSocket(ep.Path); err != nil {
			return nil, err
		}
	}

	s, err := core.CreateStreamSocket(ep.Family(), true)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(ep.Sockaddr()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%s %s: %w", network, ep, err)
	}
	if err := s.Listen(backlog); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%s %s: %w", network, ep, err)
	}

	return &Listener{
		socket:   s,
		endpoint: ep,
	}, nil
}

func (l *Listener) Fd() int32 {
	return l.socket.Fd
}

// Addr is the bound address; for tcp it carries the kernel-chosen port.
func (l *Listener) Addr() string {
	return l.socket.LocalAddr
}

func (l *Listener) Network() string {
	return l.endpoint.Network
}

// Accept returns one pending connection and its remote address.
func (l *Listener) Accept() (*core.Socket, string, error) {
	conn, sa, err := l.socket.Accept()
	if err != nil {
		return nil, "", err
	}
	remote := core.SockaddrString(sa)
	if remote == "" || remote == "@unnamed" {
		remote = fmt.Sprintf("%s#%d", l.endpoint.Path, conn.Fd)
	}
	return conn, remote, nil
}

func (l *Listener) Close() error {
	err := l.socket.Close()
	if l.endpoint.Network == "unix" {
		if rmErr := os.Remove(l.endpoint.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

// removeStaleSocket removes a socket file left behind by a previous run. Any
// other kind of file at the path is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
