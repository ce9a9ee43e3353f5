//go:build linux

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/touka-aoi/relay-chat/core/event"
	"golang.org/x/sys/unix"
)

// EpollNetEngine is the level-triggered epoll(7) readiness engine. The kernel
// keeps the interest list, so structural changes cost one epoll_ctl each.
type EpollNetEngine struct {
	epfd   int
	events []unix.EpollEvent
	fds    map[uint64]int32
	tokens map[int32]uint64
}

func NewEpollNetEngine(maxEvents int) (*EpollNetEngine, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &EpollNetEngine{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		fds:    make(map[uint64]int32),
		tokens: make(map[int32]uint64),
	}, nil
}

func (e *EpollNetEngine) Register(fd int32, token uint64, interest event.Interest) error {
	ev := e.encodeEvent(token, interest)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	e.track(fd, token)
	return nil
}

func (e *EpollNetEngine) Modify(fd int32, token uint64, interest event.Interest) error {
	ev := e.encodeEvent(token, interest)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	e.track(fd, token)
	return nil
}

func (e *EpollNetEngine) Unregister(fd int32) error {
	if token, ok := e.tokens[fd]; ok {
		delete(e.fds, token)
		delete(e.tokens, fd)
	}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (e *EpollNetEngine) WaitEvents(timeout time.Duration) ([]NetEvent, error) {
	n, err := unix.EpollWait(e.epfd, e.events, timeoutMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	netEvents := make([]NetEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := e.events[i]
		token := e.decodeToken(&ev)
		fd, ok := e.fds[token]
		if !ok {
			// 同じループ内で Unregister 済み
			continue
		}
		netEvents = appendReadiness(netEvents, fd, token,
			ev.Events&unix.EPOLLIN != 0,
			ev.Events&unix.EPOLLOUT != 0,
			ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0)
	}
	return netEvents, nil
}

func (e *EpollNetEngine) track(fd int32, token uint64) {
	if old, ok := e.tokens[fd]; ok && old != token {
		delete(e.fds, old)
	}
	e.fds[token] = fd
	e.tokens[fd] = token
}

func (e *EpollNetEngine) Close() error {
	return unix.Close(e.epfd)
}

// encodeEvent packs the 64-bit token into the epoll_data union, which x/sys
// exposes as the Fd and Pad fields.
func (e *EpollNetEngine) encodeEvent(token uint64, interest event.Interest) unix.EpollEvent {
	var mask uint32
	if interest.Readable() {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.Writable() {
		mask |= unix.EPOLLOUT
	}
	return unix.EpollEvent{
		Events: mask,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}
}

func (e *EpollNetEngine) decodeToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func appendReadiness(events []NetEvent, fd int32, token uint64, readable, writable, hangup bool) []NetEvent {
	switch {
	case readable:
		events = append(events, NetEvent{EventType: event.EVENT_TYPE_READ, Fd: fd, Token: token})
	case hangup:
		events = append(events, NetEvent{EventType: event.EVENT_TYPE_HANGUP, Fd: fd, Token: token})
	}
	if writable {
		events = append(events, NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: fd, Token: token})
	}
	return events
}
