package transport

import (
	"context"
	"errors"

	"github.com/touka-aoi/relay-chat/server/peer"
)

// Handler receives the relay's peer lifecycle. Every method is called from
// the dispatch loop and must not block.
type Handler interface {
	// OnConnect may reject the peer by returning an error.
	OnConnect(ctx context.Context, p peer.Endpoint) error
	// OnData runs after a message was broadcast to fanout peers.
	OnData(ctx context.Context, p peer.Endpoint, data []byte, fanout int)
	// OnDisconnect is called exactly once per admitted peer.
	OnDisconnect(ctx context.Context, p peer.Endpoint, reason error)
	OnReject(ctx context.Context, remoteAddr string, reason error)
}

type NopHandler struct{}

func (NopHandler) OnConnect(context.Context, peer.Endpoint) error     { return nil }
func (NopHandler) OnData(context.Context, peer.Endpoint, []byte, int) {}
func (NopHandler) OnDisconnect(context.Context, peer.Endpoint, error) {}
func (NopHandler) OnReject(context.Context, string, error)            {}

// RejectedError is returned by Handlers.OnConnect when one handler rejects
// a peer that earlier handlers had already admitted.
type RejectedError struct {
	Err      error
	admitted int
}

func (e *RejectedError) Error() string { return e.Err.Error() }
func (e *RejectedError) Unwrap() error { return e.Err }

// Handlers fans each callback out in order. The first OnConnect error wins:
// handlers that already admitted the peer get OnDisconnect, and a later
// OnReject with the returned error only reaches the rest.
type Handlers []Handler

func (hs Handlers) OnConnect(ctx context.Context, p peer.Endpoint) error {
	for i, h := range hs {
		if err := h.OnConnect(ctx, p); err != nil {
			for _, admitted := range hs[:i] {
				admitted.OnDisconnect(ctx, p, err)
			}
			return &RejectedError{Err: err, admitted: i}
		}
	}
	return nil
}

func (hs Handlers) OnData(ctx context.Context, p peer.Endpoint, data []byte, fanout int) {
	for _, h := range hs {
		h.OnData(ctx, p, data, fanout)
	}
}

func (hs Handlers) OnDisconnect(ctx context.Context, p peer.Endpoint, reason error) {
	for _, h := range hs {
		h.OnDisconnect(ctx, p, reason)
	}
}

func (hs Handlers) OnReject(ctx context.Context, remoteAddr string, reason error) {
	skip := 0
	var rejected *RejectedError
	if errors.As(reason, &rejected) {
		skip = min(rejected.admitted, len(hs))
	}
	for _, h := range hs[skip:] {
		h.OnReject(ctx, remoteAddr, reason)
	}
}

var (
	_ Handler = NopHandler{}
	_ Handler = Handlers(nil)
)
