//go:build linux

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is an eventfd that another goroutine can signal to unblock a loop
// sleeping in WaitEvents.
type Waker struct {
	fd int
}

func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

func (w *Waker) Fd() int32 {
	return int32(w.fd)
}

// Wake is safe to call from any goroutine.
func (w *Waker) Wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(w.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// カウンタが飽和しているなら既に起きている
		return nil
	}
	return err
}

// Drain resets the counter so a level-triggered engine stops reporting it.
func (w *Waker) Drain() error {
	var b [8]byte
	_, err := unix.Read(w.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
