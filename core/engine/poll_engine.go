//go:build linux

package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/touka-aoi/relay-chat/core/event"
	"golang.org/x/sys/unix"
)

type pollRegistration struct {
	token    uint64
	interest event.Interest
}

// PollNetEngine rebuilds its poll(2) set from the registration table on every
// wait, in registration order. It is the select()-style engine: linear in the
// number of handles, fine for a handful of peers.
type PollNetEngine struct {
	order   []int32
	regs    map[int32]pollRegistration
	pollFds []unix.PollFd
}

func NewPollNetEngine() *PollNetEngine {
	return &PollNetEngine{
		regs: make(map[int32]pollRegistration),
	}
}

func (e *PollNetEngine) Register(fd int32, token uint64, interest event.Interest) error {
	if _, ok := e.regs[fd]; ok {
		return fmt.Errorf("poll register fd %d: %w", fd, unix.EEXIST)
	}
	e.regs[fd] = pollRegistration{token: token, interest: interest}
	e.order = append(e.order, fd)
	return nil
}

func (e *PollNetEngine) Modify(fd int32, token uint64, interest event.Interest) error {
	if _, ok := e.regs[fd]; !ok {
		return fmt.Errorf("poll modify fd %d: %w", fd, unix.ENOENT)
	}
	e.regs[fd] = pollRegistration{token: token, interest: interest}
	return nil
}

func (e *PollNetEngine) Unregister(fd int32) error {
	if _, ok := e.regs[fd]; !ok {
		return fmt.Errorf("poll unregister fd %d: %w", fd, unix.ENOENT)
	}
	delete(e.regs, fd)
	e.order = slices.DeleteFunc(e.order, func(registered int32) bool { return registered == fd })
	return nil
}

func (e *PollNetEngine) WaitEvents(timeout time.Duration) ([]NetEvent, error) {
	e.pollFds = e.pollFds[:0]
	for _, fd := range e.order {
		reg := e.regs[fd]
		var events int16
		if reg.interest.Readable() {
			events |= unix.POLLIN
		}
		if reg.interest.Writable() {
			events |= unix.POLLOUT
		}
		e.pollFds = append(e.pollFds, unix.PollFd{Fd: fd, Events: events})
	}

	n, err := unix.Poll(e.pollFds, timeoutMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	netEvents := make([]NetEvent, 0, n)
	for _, pfd := range e.pollFds {
		if pfd.Revents == 0 {
			continue
		}
		reg := e.regs[pfd.Fd]
		netEvents = appendReadiness(netEvents, pfd.Fd, reg.token,
			pfd.Revents&unix.POLLIN != 0,
			pfd.Revents&unix.POLLOUT != 0,
			pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0)
	}
	return netEvents, nil
}

func (e *PollNetEngine) Close() error {
	clear(e.regs)
	e.order = nil
	return nil
}
