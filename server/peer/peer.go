package peer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/touka-aoi/relay-chat/core/core"
)

const noSlot = -1

// Peer is one connected client. It owns its socket; only the dispatch loop
// reads, writes or closes it.
type Peer struct {
	SessionID  string
	conn       *core.Socket
	token      uint64
	slot       int
	localAddr  string
	remoteAddr string
	status     atomic.Int32
	LastActive atomic.Int64

	Writer     *RingWriter
	writeArmed bool
}

func NewPeer(conn *core.Socket, token uint64, remoteAddr string, outboundSize int) *Peer {
	p := &Peer{
		SessionID:  uuid.NewString(),
		conn:       conn,
		token:      token,
		slot:       noSlot,
		localAddr:  conn.LocalAddr,
		remoteAddr: remoteAddr,
		Writer:     NewRingWriter(outboundSize),
	}
	p.Touch(time.Now())
	return p
}

func (p *Peer) ID() string {
	return p.SessionID
}

func (p *Peer) Fd() int32 {
	return p.conn.Fd
}

func (p *Peer) Token() uint64 {
	return p.token
}

func (p *Peer) Slot() int {
	return p.slot
}

func (p *Peer) LocalAddr() string {
	return p.localAddr
}

func (p *Peer) RemoteAddr() string {
	return p.remoteAddr
}

func (p *Peer) Status() ConnState {
	return ConnState(p.status.Load())
}

func (p *Peer) SetStatus(s ConnState) {
	p.status.Store(int32(s))
}

func (p *Peer) Touch(now time.Time) {
	p.LastActive.Store(now.UnixNano())
}

// IdleFor is the time since the peer last sent anything.
func (p *Peer) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.LastActive.Load()))
}

func (p *Peer) Read(b []byte) (int, error) {
	return p.conn.Read(b)
}

func (p *Peer) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// WriteArmed reports whether write readiness is currently requested for the peer.
func (p *Peer) WriteArmed() bool {
	return p.writeArmed
}

func (p *Peer) SetWriteArmed(armed bool) {
	p.writeArmed = armed
}

// Close marks the peer closed and releases the socket. It reports false if
// the peer was already closed.
func (p *Peer) Close() (bool, error) {
	if ConnState(p.status.Swap(int32(StateClosed))) == StateClosed {
		return false, nil
	}
	return true, p.conn.Close()
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s(slot=%d fd=%d %s)", p.SessionID[:8], p.slot, p.conn.Fd, p.remoteAddr)
}

var _ Endpoint = (*Peer)(nil)
