//go:build linux

package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/touka-aoi/relay-chat/core/engine"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"github.com/touka-aoi/relay-chat/core/event"
	"github.com/touka-aoi/relay-chat/middleware"
	"github.com/touka-aoi/relay-chat/server/peer"
	"github.com/touka-aoi/relay-chat/transport"
)

const (
	tokenListener uint64 = 1
	tokenWaker    uint64 = 2
	// peer tokens start here and are never reused, so a readiness event
	// that outlives its peer cannot reach the next occupant of the slot
	firstPeerToken uint64 = 1 << 16
)

type SrvStatus int32

const (
	Idle SrvStatus = iota
	Listening
	Waiting
	Dispatching
	Draining
	Stopped
)

var stateName = map[SrvStatus]string{
	Idle:        "idle",
	Listening:   "listening",
	Waiting:     "waiting",
	Dispatching: "dispatching",
	Draining:    "draining",
	Stopped:     "stopped",
}

func (s SrvStatus) String() string {
	return stateName[s]
}

type Option func(*RelayServer)

func WithHandler(h transport.Handler) Option {
	return func(s *RelayServer) {
		s.handler = h
	}
}

func WithPipeline(p *middleware.Pipeline) Option {
	return func(s *RelayServer) {
		s.pipeline = p
	}
}

// RelayServer accepts stream connections and copies every chunk one peer
// sends to all other peers. One goroutine runs the whole loop.
type RelayServer struct {
	config   Config
	engine   engine.NetEngine
	listener *engine.Listener
	waker    *engine.Waker
	peers    *peer.Set
	pipeline *middleware.Pipeline
	handler  transport.Handler
	readBuf  []byte

	nextToken uint64
	released  bool
	status    atomic.Int32
	peerCount atomic.Int32
}

type peerFailure struct {
	peer *peer.Peer
	err  error
}

func NewRelayServer(config Config, opts ...Option) (*RelayServer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	s := &RelayServer{
		config:    config,
		peers:     peer.NewSet(config.Capacity),
		handler:   transport.NopHandler{},
		readBuf:   make([]byte, config.BufferSize),
		nextToken: firstPeerToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Listen binds the listening socket and prepares the readiness engine.
func (s *RelayServer) Listen(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("server is already listening")
	}

	netEngine, err := engine.NewNetEngine(s.config.Engine)
	if err != nil {
		return err
	}
	listener, err := engine.Listen(s.config.Network, s.config.Address, s.config.Backlog)
	if err != nil {
		_ = netEngine.Close()
		return err
	}
	waker, err := engine.NewWaker()
	if err != nil {
		_ = listener.Close()
		_ = netEngine.Close()
		return err
	}

	if err := netEngine.Register(listener.Fd(), tokenListener, event.InterestRead); err != nil {
		err = errors.Join(err, waker.Close(), listener.Close(), netEngine.Close())
		return fmt.Errorf("register listener: %w", err)
	}
	if err := netEngine.Register(waker.Fd(), tokenWaker, event.InterestRead); err != nil {
		err = errors.Join(err, waker.Close(), listener.Close(), netEngine.Close())
		return fmt.Errorf("register waker: %w", err)
	}

	s.engine = netEngine
	s.listener = listener
	s.waker = waker
	s.setStatus(Listening)

	slog.InfoContext(ctx, "Listening on",
		"network", listener.Network(),
		"address", listener.Addr(),
		"engine", s.config.Engine,
		"capacity", s.config.Capacity)
	return nil
}

// Serve runs the dispatch loop until ctx is cancelled or the engine fails.
// Cancellation is a clean stop and returns nil after every peer is closed.
func (s *RelayServer) Serve(ctx context.Context) error {
	if s.listener == nil || s.released {
		return errors.New("server is not listening")
	}

	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		if err := s.waker.Wake(); err != nil {
			slog.ErrorContext(ctx, "Failed to wake dispatch loop", "error", err)
		}
	})
	defer func() {
		if !stop() {
			<-woken
		}
		s.release()
	}()

	for {
		s.setStatus(Waiting)
		netEvents, err := s.engine.WaitEvents(-1)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to wait event", "error", err)
			return s.shutdown(ctx, fmt.Errorf("wait readiness: %w", err))
		}

		s.setStatus(Dispatching)
		stopping := false
		for _, ev := range s.orderEvents(netEvents) {
			switch ev.Token {
			case tokenWaker:
				if err := s.waker.Drain(); err != nil {
					slog.WarnContext(ctx, "Failed to drain waker", "error", err)
				}
				stopping = ctx.Err() != nil
			case tokenListener:
				s.acceptConnection(ctx)
			default:
				s.dispatchPeer(ctx, ev)
			}
		}

		if stopping {
			return s.shutdown(ctx, nil)
		}
	}
}

// orderEvents sorts one batch so the listener goes first, then peers by
// slot, then the waker. Events of one peer keep the engine's order.
func (s *RelayServer) orderEvents(events []engine.NetEvent) []engine.NetEvent {
	rank := func(ev engine.NetEvent) int {
		switch ev.Token {
		case tokenListener:
			return -1
		case tokenWaker:
			return s.peers.Cap() + 1
		}
		if p, ok := s.peers.Lookup(ev.Token); ok {
			return p.Slot()
		}
		return s.peers.Cap()
	}
	slices.SortStableFunc(events, func(a, b engine.NetEvent) int {
		return cmp.Compare(rank(a), rank(b))
	})
	return events
}

func (s *RelayServer) dispatchPeer(ctx context.Context, ev engine.NetEvent) {
	p, ok := s.peers.Lookup(ev.Token)
	if !ok {
		slog.DebugContext(ctx, "Skip event for departed peer", "fd", ev.Fd, "type", ev.EventType)
		return
	}

	switch ev.EventType {
	case event.EVENT_TYPE_READ, event.EVENT_TYPE_HANGUP:
		s.handlePeerReadable(ctx, p)
	case event.EVENT_TYPE_WRITE:
		s.flushPeer(ctx, p)
	default:
		slog.WarnContext(ctx, "Unknown event type", "type", ev.EventType, "peer", p)
	}
}

func (s *RelayServer) acceptConnection(ctx context.Context) {
	conn, remote, err := s.listener.Accept()
	if terrors.IsTemporary(err) {
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to accept connection", "error", err)
		return
	}

	p := peer.NewPeer(conn, s.nextToken, remote, s.config.OutboundBufferSize)
	s.nextToken++

	if s.peers.Full() {
		s.reject(ctx, p, terrors.ErrCapacity)
		return
	}
	if _, err := s.peers.Add(p); err != nil {
		s.reject(ctx, p, err)
		return
	}
	if err := s.engine.Register(p.Fd(), p.Token(), event.InterestRead); err != nil {
		s.peers.Remove(p)
		s.reject(ctx, p, fmt.Errorf("register peer: %w", err))
		return
	}
	if err := s.handler.OnConnect(ctx, p); err != nil {
		_ = s.engine.Unregister(p.Fd())
		s.peers.Remove(p)
		s.reject(ctx, p, err)
		return
	}

	p.SetStatus(peer.StateActive)
	s.peerCount.Store(int32(s.peers.Len()))
	slog.InfoContext(ctx, "Client connected",
		"peer", p.ID(),
		"slot", p.Slot(),
		"remoteAddr", p.RemoteAddr(),
		"peers", s.peers.Len())
}

func (s *RelayServer) reject(ctx context.Context, p *peer.Peer, reason error) {
	if _, err := p.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close rejected connection", "remoteAddr", p.RemoteAddr(), "error", err)
	}
	s.handler.OnReject(ctx, p.RemoteAddr(), reason)
	slog.WarnContext(ctx, "Connection rejected", "remoteAddr", p.RemoteAddr(), "reason", reason)
}

func (s *RelayServer) handlePeerReadable(ctx context.Context, p *peer.Peer) {
	n, err := p.Read(s.readBuf)
	if terrors.IsTemporary(err) {
		return
	}
	if err != nil {
		s.removePeer(ctx, p, fmt.Errorf("read: %w", err))
		return
	}
	if n == 0 {
		s.removePeer(ctx, p, terrors.ErrPeerClosed)
		return
	}
	p.Touch(time.Now())

	data := s.readBuf[:n]
	if s.pipeline != nil {
		mctx := middleware.NewContext(ctx, data, p)
		ok, err := s.pipeline.Execute(mctx)
		if err != nil {
			slog.WarnContext(ctx, "Pipeline failed", "peer", p.ID(), "error", err)
			return
		}
		if !ok {
			return
		}
		data = mctx.Data
	}

	fanout, failed := s.broadcast(ctx, p, data)
	s.handler.OnData(ctx, p, data, fanout)

	for _, f := range failed {
		s.removePeer(ctx, f.peer, f.err)
	}
}

// broadcast delivers data to every active peer except the sender, in slot
// order. Peers that fail are returned rather than removed so the set is not
// changed while it is being walked.
func (s *RelayServer) broadcast(ctx context.Context, sender *peer.Peer, data []byte) (int, []peerFailure) {
	var (
		fanout int
		failed []peerFailure
	)
	for p := range s.peers.All() {
		if p == sender || p.Status() != peer.StateActive {
			continue
		}
		if err := s.deliver(p, data); err != nil {
			slog.DebugContext(ctx, "Failed to deliver", "peer", p.ID(), "error", err)
			failed = append(failed, peerFailure{peer: p, err: err})
			continue
		}
		fanout++
	}
	return fanout, failed
}

func (s *RelayServer) deliver(p *peer.Peer, data []byte) error {
	// 既に滞留しているなら順序を守るため後ろに積む
	if p.Writer.Length() > 0 {
		if _, err := p.Writer.Write(data); err != nil {
			return terrors.ErrSlowConsumer
		}
		return nil
	}

	n, err := p.Write(data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, terrors.ErrWouldBlock) {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := p.Writer.Write(data[n:]); err != nil {
		return terrors.ErrSlowConsumer
	}
	return s.armWrite(p, true)
}

// flushPeer writes queued bytes once the peer's socket is writable again.
func (s *RelayServer) flushPeer(ctx context.Context, p *peer.Peer) {
	for p.Writer.Length() > 0 {
		pending, _ := p.Writer.Pending()
		n, err := p.Write(pending)
		if n > 0 {
			p.Writer.Advance(n)
		}
		if errors.Is(err, terrors.ErrWouldBlock) {
			return
		}
		if err != nil {
			s.removePeer(ctx, p, fmt.Errorf("flush: %w", err))
			return
		}
	}
	if err := s.armWrite(p, false); err != nil {
		s.removePeer(ctx, p, err)
	}
}

func (s *RelayServer) armWrite(p *peer.Peer, armed bool) error {
	if p.WriteArmed() == armed {
		return nil
	}
	interest := event.InterestRead
	if armed {
		interest |= event.InterestWrite
	}
	if err := s.engine.Modify(p.Fd(), p.Token(), interest); err != nil {
		return fmt.Errorf("modify interest: %w", err)
	}
	p.SetWriteArmed(armed)
	return nil
}

// removePeer takes a peer out of the set and closes it. It is a no-op for a
// peer that is already closed, so each departure is reported once.
func (s *RelayServer) removePeer(ctx context.Context, p *peer.Peer, reason error) error {
	if p.Status() == peer.StateClosed {
		return nil
	}
	if err := s.engine.Unregister(p.Fd()); err != nil {
		slog.DebugContext(ctx, "Failed to unregister peer", "peer", p.ID(), "error", err)
	}
	s.peers.Remove(p)
	closed, err := p.Close()
	if !closed {
		return nil
	}
	s.peerCount.Store(int32(s.peers.Len()))
	s.handler.OnDisconnect(ctx, p, reason)

	idle := p.IdleFor(time.Now()).Round(time.Millisecond)
	if errors.Is(reason, terrors.ErrPeerClosed) || errors.Is(reason, terrors.ErrServerShutdown) {
		slog.InfoContext(ctx, "Client disconnected", "peer", p.ID(), "slot", p.Slot(), "idle", idle, "reason", terrors.Reason(reason))
	} else {
		slog.WarnContext(ctx, "Client removed", "peer", p.ID(), "slot", p.Slot(), "idle", idle, "reason", terrors.Reason(reason), "error", reason)
	}
	if err != nil {
		return fmt.Errorf("close peer %s: %w", p.ID(), err)
	}
	return nil
}

func (s *RelayServer) shutdown(ctx context.Context, cause error) error {
	s.setStatus(Draining)
	slog.InfoContext(ctx, "Server Prepare to close", "peers", s.peers.Len())

	var result *multierror.Error
	if cause != nil {
		result = multierror.Append(result, cause)
	}

	if err := s.engine.Unregister(s.listener.Fd()); err != nil {
		slog.DebugContext(ctx, "Failed to unregister listener", "error", err)
	}
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}

	for _, p := range slices.Collect(s.peers.All()) {
		if err := s.removePeer(ctx, p, terrors.ErrServerShutdown); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.setStatus(Stopped)
	slog.InfoContext(ctx, "Server stopped")
	return result.ErrorOrNil()
}

func (s *RelayServer) release() {
	if s.released {
		return
	}
	s.released = true
	if err := s.waker.Close(); err != nil {
		slog.Warn("Failed to close waker", "error", err)
	}
	if err := s.engine.Close(); err != nil {
		slog.Warn("Failed to close engine", "error", err)
	}
}

// Close releases a server that was listened on but never served. After
// Serve has returned it does nothing.
func (s *RelayServer) Close() error {
	if s.listener == nil || s.released {
		return nil
	}
	err := s.listener.Close()
	s.release()
	s.setStatus(Stopped)
	return err
}

func (s *RelayServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

func (s *RelayServer) Status() SrvStatus {
	return SrvStatus(s.status.Load())
}

func (s *RelayServer) PeerCount() int {
	return int(s.peerCount.Load())
}

func (s *RelayServer) setStatus(status SrvStatus) {
	s.status.Store(int32(status))
}
