//go:build linux

package server

import (
	"golang.org/x/sys/unix"

	"github.com/piton322/kvcached/internal/logging"
	"github.com/piton322/kvcached/internal/netpoll"
	"github.com/piton322/kvcached/internal/serverstats"
	"github.com/piton322/kvcached/protocol"
)

// Connection is one accepted client socket plus the incremental parser and
// output queue state needed to drive it from a readiness loop. It is owned
// exclusively by whichever loop (ST acceptor, or one MT worker) registered
// it; nothing else may touch it.
type Connection struct {
	fd     int
	remote string

	interest netpoll.IOEvents
	alive    bool

	readBuf []byte // fixed capacity, DefaultReadBufSize unless overridden
	rOffset int

	pending   *protocol.Header
	argRemain int
	argBuf    []byte

	outQueue [][]byte
	wOffset  int

	exec    protocol.Executor
	high    int
	low     int
	metrics *serverstats.Metrics
}

func newConnection(fd int, remote string, exec protocol.Executor, cfg Config) *Connection {
	return &Connection{
		fd:       fd,
		remote:   remote,
		interest: netpoll.EventRead,
		alive:    true,
		readBuf:  make([]byte, cfg.ReadBufSize),
		exec:     exec,
		high:     cfg.HighWatermark,
		low:      cfg.LowWatermark,
	}
}

// Interest reports the fd's current epoll interest mask.
func (c *Connection) Interest() netpoll.IOEvents { return c.interest }

// Alive reports whether the connection should remain registered.
func (c *Connection) Alive() bool { return c.alive }

// FD returns the underlying file descriptor.
func (c *Connection) FD() int { return c.fd }

// RemoteAddr returns the peer's host:port as captured at accept time.
func (c *Connection) RemoteAddr() string { return c.remote }

// close releases the fd. Safe to call once per connection.
func (c *Connection) close() {
	c.alive = false
	_ = unix.Close(c.fd)
}

// markError flags the connection not-alive on a fatal per-connection
// error; the owning loop unregisters and destroys it while other
// connections and the loop itself survive.
func (c *Connection) markError() {
	c.alive = false
}

// DoRead reads up to the remaining buffer space, then drives the
// incremental parse/accumulate/execute state machine over whatever bytes
// are available, possibly across several pipelined commands in one read.
func (c *Connection) DoRead() {
	n, err := unix.Read(c.fd, c.readBuf[c.rOffset:])
	switch {
	case err != nil:
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.markError()
		return
	case n == 0:
		// Peer closed its write side; the connection is done.
		c.alive = false
		return
	}

	readed := n + c.rOffset
	cur := 0

	for readed > 0 {
		if c.pending == nil {
			consumed, h, perr := protocol.ParseHeader(c.readBuf[cur : cur+readed])
			if perr != nil {
				c.markError()
				return
			}
			if consumed == 0 {
				// Incomplete header: persist the unconsumed prefix at the
				// front of the buffer for the next DoRead.
				c.rOffset = readed
				copy(c.readBuf, c.readBuf[cur:cur+readed])
				return
			}
			cur += consumed
			readed -= consumed

			hdr := h
			c.pending = &hdr
			c.argRemain = 0
			if h.ArgLen > 0 {
				c.argRemain = h.ArgLen + 2
			}
			c.argBuf = c.argBuf[:0]
		}

		if c.pending != nil && c.argRemain > 0 {
			n := c.argRemain
			if readed < n {
				n = readed
			}
			c.argBuf = append(c.argBuf, c.readBuf[cur:cur+n]...)
			cur += n
			readed -= n
			c.argRemain -= n
		}

		if c.pending != nil && c.argRemain == 0 {
			arg := c.argBuf
			if len(arg) >= 2 {
				arg = arg[:len(arg)-2]
			}
			result := c.exec.Execute(*c.pending, arg)
			c.enqueue(result)
			c.pending = nil
			c.argBuf = nil
		}
	}

	c.rOffset = 0
}

// enqueue appends result+"\r\n" to the output queue and updates the
// interest mask per the backpressure watermarks.
func (c *Connection) enqueue(result []byte) {
	entry := make([]byte, 0, len(result)+2)
	entry = append(entry, result...)
	entry = append(entry, '\r', '\n')

	wasEmpty := len(c.outQueue) == 0
	c.outQueue = append(c.outQueue, entry)

	if wasEmpty {
		c.interest |= netpoll.EventWrite
	}
	if len(c.outQueue) >= c.high {
		if c.interest&netpoll.EventRead != 0 {
			if c.metrics != nil {
				c.metrics.BackpressureEngagedInc()
			}
			logging.Get().Debug().
				Str("category", logging.CategoryBackpressure).
				Str("remote", c.remote).
				Int("queued", len(c.outQueue)).
				Log("read interest disabled")
		}
		c.interest &^= netpoll.EventRead
	}
}

// DoWrite issues a single scatter/gather write of the queued responses,
// popping fully consumed entries and re-enabling READ interest once the
// queue drains below the low watermark.
func (c *Connection) DoWrite() {
	if len(c.outQueue) == 0 {
		c.interest &^= netpoll.EventWrite
		return
	}

	iovs := make([][]byte, len(c.outQueue))
	iovs[0] = c.outQueue[0][c.wOffset:]
	copy(iovs[1:], c.outQueue[1:])

	n, err := unix.Writev(c.fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		// EPIPE included: a broken pipe is just another fatal write error.
		c.markError()
		return
	}

	for n > 0 && len(c.outQueue) > 0 {
		head := c.outQueue[0][c.wOffset:]
		if n < len(head) {
			c.wOffset += n
			n = 0
			break
		}
		n -= len(head)
		c.wOffset = 0
		c.outQueue = c.outQueue[1:]
	}

	if len(c.outQueue) == 0 {
		c.interest &^= netpoll.EventWrite
	}
	if len(c.outQueue) < c.low {
		c.interest |= netpoll.EventRead
	}
}
