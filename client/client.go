//go:build linux

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/touka-aoi/relay-chat/core/buffer"
	"github.com/touka-aoi/relay-chat/core/core"
	"github.com/touka-aoi/relay-chat/core/engine"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"github.com/touka-aoi/relay-chat/core/event"
	"golang.org/x/sys/unix"
)

const (
	tokenInput uint64 = iota + 1
	tokenServer
	tokenWaker
)

// Client is one connection to a relay server. It forwards lines read from
// its input and prints whatever the server sends.
type Client struct {
	config  Config
	conn    *core.Socket
	engine  engine.NetEngine
	waker   *engine.Waker
	lines   *buffer.RingBuffer
	readBuf []byte
	closed  bool
}

func Dial(ctx context.Context, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	conn, err := engine.Dial(ctx, config.Network, config.Address)
	if err != nil {
		return nil, err
	}
	netEngine, err := engine.NewNetEngine(config.Engine)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	waker, err := engine.NewWaker()
	if err != nil {
		_ = netEngine.Close()
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		config:  config,
		conn:    conn,
		engine:  netEngine,
		waker:   waker,
		lines:   buffer.NewRingBuffer(config.BufferSize),
		readBuf: make([]byte, config.BufferSize),
	}
	if err := netEngine.Register(conn.Fd, tokenServer, event.InterestRead); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("register connection: %w", err)
	}
	if err := netEngine.Register(waker.Fd(), tokenWaker, event.InterestRead); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("register waker: %w", err)
	}

	slog.InfoContext(ctx, "Connected to server",
		"network", config.Network,
		"address", config.Address,
		"localAddr", conn.LocalAddr)
	return c, nil
}

func (c *Client) RemoteAddr() string {
	return c.config.Address
}

// Run relays until the input ends (nil), the server goes away
// (ErrServerClosed) or ctx is cancelled (ctx.Err()). The connection is
// closed when Run returns.
func (c *Client) Run(ctx context.Context, in *os.File, out io.Writer) error {
	if c.closed {
		return errors.New("client is closed")
	}
	defer runtime.KeepAlive(in)

	inFd := int32(in.Fd())
	if err := c.engine.Register(inFd, tokenInput, event.InterestRead); err != nil {
		return fmt.Errorf("register input: %w", err)
	}

	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		if err := c.waker.Wake(); err != nil {
			slog.ErrorContext(ctx, "Failed to wake client loop", "error", err)
		}
	})
	defer func() {
		if !stop() {
			<-woken
		}
		if err := c.Close(); err != nil {
			slog.DebugContext(ctx, "Failed to close client", "error", err)
		}
	}()

	for {
		netEvents, err := c.engine.WaitEvents(-1)
		if err != nil {
			return fmt.Errorf("wait readiness: %w", err)
		}

		for _, ev := range netEvents {
			switch ev.Token {
			case tokenInput:
				done, err := c.handleInput(ctx, inFd)
				if err != nil {
					return err
				}
				if done {
					slog.DebugContext(ctx, "Input closed")
					return nil
				}
			case tokenServer:
				if err := c.handleServer(ctx, out); err != nil {
					return err
				}
			case tokenWaker:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				_ = c.waker.Drain()
			}
		}
	}
}

// handleInput reads what the input has and forwards every complete line.
// It reports true at end of input, after flushing a trailing partial line.
func (c *Client) handleInput(ctx context.Context, fd int32) (bool, error) {
	limit := min(len(c.readBuf), c.lines.Free())
	n, err := core.ReadFd(int(fd), c.readBuf[:limit])
	if terrors.IsTemporary(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read input: %w", err)
	}
	if n == 0 {
		return true, c.send(ctx, c.lines.Next(c.lines.Length()))
	}
	if _, err := c.lines.Write(c.readBuf[:n]); err != nil {
		return false, err
	}

	for {
		i := c.lines.IndexByte('\n')
		if i < 0 {
			break
		}
		if err := c.send(ctx, c.lines.Next(i+1)); err != nil {
			return false, err
		}
	}
	// 改行が来ないまま溜まった分はバッファ単位で送る
	for c.lines.Length() >= c.config.BufferSize {
		if err := c.send(ctx, c.lines.Next(c.config.BufferSize)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (c *Client) send(ctx context.Context, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	if _, err := c.conn.Write(line); err != nil {
		if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
			return fmt.Errorf("%w: %v", terrors.ErrServerClosed, err)
		}
		return fmt.Errorf("send: %w", err)
	}
	slog.DebugContext(ctx, "Sent", "bytes", len(line))
	return nil
}

func (c *Client) handleServer(ctx context.Context, out io.Writer) error {
	n, err := c.conn.Read(c.readBuf)
	if terrors.IsTemporary(err) {
		return nil
	}
	if err != nil {
		slog.DebugContext(ctx, "Connection read failed", "error", err)
		return fmt.Errorf("%w: %v", terrors.ErrServerClosed, err)
	}
	if n == 0 {
		return terrors.ErrServerClosed
	}
	if _, err := out.Write(c.readBuf[:n]); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Close releases the connection. It is safe to call more than once, but
// not while Run is executing.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.conn.Close(), c.waker.Close(), c.engine.Close())
}
