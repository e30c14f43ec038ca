//go:build linux

package driver

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD wraps a Linux eventfd(2) descriptor, giving a real driver
// implementation a ready-made FD to return from Clock.FD() — the servo's
// event loop registers it for edge-triggered readiness the same way the
// teacher's poller_linux.go registers the loop's own wake pipe.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd(2) counter.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the underlying descriptor.
func (e *EventFD) FD() int { return e.fd }

// Notify increments the eventfd counter by one, waking anything polling
// the descriptor for readability.
func (e *EventFD) Notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Drain reads (and discards) the current counter value, the way an
// edge-triggered reader must greedily drain before going back to sleep
// (spec §5, "drained greedily each wake-up").
func (e *EventFD) Drain() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	return err
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
