//go:build linux

package client

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/touka-aoi/relay-chat/core/engine"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"github.com/touka-aoi/relay-chat/server"
	"github.com/touka-aoi/relay-chat/server/peer"
	"github.com/touka-aoi/relay-chat/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type relay struct {
	srv    *server.RelayServer
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startRelay(t *testing.T, opts ...server.Option) *relay {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	srv, err := server.NewRelayServer(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Listen(ctx))
	r := &relay{srv: srv, cancel: cancel, done: make(chan error, 1)}
	go func() {
		r.done <- srv.Serve(ctx)
	}()
	t.Cleanup(r.stop)
	return r
}

func (r *relay) stop() {
	r.once.Do(func() {
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
}

// peerLog records handler callbacks per peer ID.
type peerLog struct {
	transport.NopHandler

	mu          sync.Mutex
	order       []string
	data        map[string][]string
	disconnects map[string][]error
	late        map[string][]string
}

func newPeerLog() *peerLog {
	return &peerLog{
		data:        make(map[string][]string),
		disconnects: make(map[string][]error),
		late:        make(map[string][]string),
	}
}

func (l *peerLog) OnConnect(_ context.Context, p peer.Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, p.ID())
	return nil
}

func (l *peerLog) OnData(_ context.Context, p peer.Endpoint, data []byte, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.disconnects[p.ID()]) > 0 {
		l.late[p.ID()] = append(l.late[p.ID()], string(data))
		return
	}
	l.data[p.ID()] = append(l.data[p.ID()], string(data))
}

func (l *peerLog) OnDisconnect(_ context.Context, p peer.Endpoint, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects[p.ID()] = append(l.disconnects[p.ID()], reason)
}

// peer returns the ID of the i-th admitted peer once OnConnect has seen it.
func (l *peerLog) peer(t *testing.T, i int) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.order) <= i {
			return false
		}
		id = l.order[i]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return id
}

func (l *peerLog) of(id string) (data string, disconnects []error, late []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.data[id], ""),
		append([]error(nil), l.disconnects[id]...),
		append([]string(nil), l.late[id]...)
}

type session struct {
	client *Client
	input  *os.File
	out    *syncBuffer
	cancel context.CancelFunc
	result chan error
}

// connect dials the relay and runs the client on a pipe standing in for stdin.
func connect(t *testing.T, r *relay, want int, mutate ...func(*Config)) *session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = r.srv.Addr()
	for _, m := range mutate {
		m(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	s := &session{client: c, input: pw, out: &syncBuffer{}, cancel: cancel, result: make(chan error, 1)}
	go func() {
		s.result <- c.Run(ctx, pr, s.out)
		_ = pr.Close()
	}()
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
		s.wait(t)
	})

	require.Eventually(t, func() bool {
		return r.srv.PeerCount() == want
	}, 3*time.Second, 5*time.Millisecond)
	return s
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err, ok := <-s.result:
		if ok {
			close(s.result)
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not return")
		return nil
	}
}

func (s *session) enter(t *testing.T, text string) {
	t.Helper()
	_, err := s.input.WriteString(text)
	require.NoError(t, err)
}

func eventuallyReceives(t *testing.T, s *session, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.out.String() == want
	}, 3*time.Second, 5*time.Millisecond, "got %q", s.out.String())
}

func TestClient_ForwardsLines(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, 1)
	b := connect(t, r, 2)

	a.enter(t, "hello\n")
	eventuallyReceives(t, b, "hello\n")
	b.enter(t, "hi there\n")
	eventuallyReceives(t, a, "hi there\n")
}

func TestClient_HoldsPartialLine(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, 1)
	b := connect(t, r, 2)

	a.enter(t, "par")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, b.out.String())
	a.enter(t, "tial\n")
	eventuallyReceives(t, b, "partial\n")
}

func TestClient_LongLineFragments(t *testing.T) {
	r := startRelay(t)
	small := func(c *Config) { c.BufferSize = 8 }
	a := connect(t, r, 1, small)
	b := connect(t, r, 2, small)

	line := strings.Repeat("abcdefghij", 5) + "\n"
	a.enter(t, line)
	eventuallyReceives(t, b, line)
}

func TestClient_EndOfInput(t *testing.T) {
	log := newPeerLog()
	r := startRelay(t, server.WithHandler(log))
	a := connect(t, r, 1)
	b := connect(t, r, 2)
	id := log.peer(t, 0)

	// 末尾の改行なし部分も EOF で送られる
	a.enter(t, "first\ntail")
	require.NoError(t, a.input.Close())
	assert.NoError(t, a.wait(t))
	eventuallyReceives(t, b, "first\ntail")

	require.Eventually(t, func() bool {
		_, disconnects, _ := log.of(id)
		return len(disconnects) > 0
	}, 3*time.Second, 5*time.Millisecond)

	// c まで届けば a の後始末は処理済み
	c := connect(t, r, 2)
	b.enter(t, "after\n")
	eventuallyReceives(t, c, "after\n")

	data, disconnects, late := log.of(id)
	assert.Equal(t, "first\ntail", data)
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], terrors.ErrPeerClosed)
	assert.Empty(t, late)
	assert.NoError(t, a.client.Close())
}

func TestClient_ServerClosed(t *testing.T) {
	for _, kind := range []string{engine.EnginePoll, engine.EngineEpoll} {
		t.Run(kind, func(t *testing.T) {
			r := startRelay(t)
			a := connect(t, r, 1, func(c *Config) { c.Engine = kind })

			r.stop()
			assert.ErrorIs(t, a.wait(t), terrors.ErrServerClosed)
		})
	}
}

func TestClient_ContextCancel(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, 1)

	a.cancel()
	assert.ErrorIs(t, a.wait(t), context.Canceled)
}

func TestDial_Refused(t *testing.T) {
	r := startRelay(t)
	addr := r.srv.Addr()
	r.stop()

	cfg := DefaultConfig()
	cfg.Address = addr
	_, err := Dial(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Network = "udp"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BufferSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Engine = "kqueue"
	_, err := Dial(context.Background(), cfg)
	assert.Error(t, err)
}
