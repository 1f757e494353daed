//go:build linux

package netpoll

import "golang.org/x/sys/unix"

// Wakeup is an eventfd-backed interrupt for a readiness loop blocked in
// Poller.Wait. Register its FD with a Poller for EventRead and call Drain
// from that callback.
type Wakeup struct {
	fd int
}

// NewWakeup creates a non-blocking eventfd.
func NewWakeup() (*Wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Wakeup{fd: fd}, nil
}

// FD returns the underlying file descriptor, for registration with a
// Poller.
func (w *Wakeup) FD() int { return w.fd }

// Signal wakes up anything blocked on the eventfd becoming readable.
func (w *Wakeup) Signal() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Drain consumes pending wakeups so Signal can be called again without the
// eventfd counter overflowing.
func (w *Wakeup) Drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			break
		}
	}
}

// Close releases the eventfd.
func (w *Wakeup) Close() error {
	return unix.Close(w.fd)
}
