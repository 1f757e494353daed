//go:build linux

package server

import (
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/piton322/kvcached/internal/logging"
	"github.com/piton322/kvcached/internal/netpoll"
	"github.com/piton322/kvcached/internal/serverstats"
	"github.com/piton322/kvcached/protocol"
)

// acceptedConn is one fd handed from an acceptor loop to a worker loop,
// the multi-threaded variant's acceptor-to-worker handoff: a buffered
// channel per worker, plus the worker's own wakeup eventfd to interrupt
// its epoll_wait. A connection is pinned to its worker at accept time and
// never migrates.
type acceptedConn struct {
	fd     int
	remote string
}

// distributor round-robins accepted connections across a fixed set of
// worker loops. It is shared by every acceptor loop (there may be more
// than one, per Config.NAcceptors), so the round-robin index is atomic.
type distributor struct {
	workers []*ioLoop
	next    atomic.Int64
}

func (d *distributor) pick() *ioLoop {
	if len(d.workers) == 0 {
		return nil
	}
	i := d.next.Add(1) - 1
	return d.workers[int(i)%len(d.workers)]
}

// ioLoop is a single readiness loop: either the ST variant's sole
// acceptor+worker, an MT acceptor (accepts only, hands connections off),
// or an MT worker (owns a disjoint subset of connections fed by a
// distributor). Exactly one goroutine ever drives a given ioLoop.
type ioLoop struct {
	name string

	poller *netpoll.Poller
	wake   *netpoll.Wakeup
	conns  map[int]*Connection

	cfg     Config
	exec    protocol.Executor
	metrics *serverstats.Metrics

	stopping atomic.Bool

	// Acceptor-only fields; zero/nil on a plain worker loop. The listening
	// fd is shared by every acceptor loop, so exactly one of them owns it
	// for closing purposes.
	acceptFD     int
	ownsAcceptFD bool
	limiter      *catrate.Limiter
	distributor  *distributor

	// Worker-only field; nil on an acceptor that isn't also a worker (the
	// MT acceptor) and on the combined ST loop (which registers accepted
	// connections directly instead of via handoff).
	incoming chan acceptedConn
}

func newIOLoop(name string, cfg Config, exec protocol.Executor, metrics *serverstats.Metrics) (*ioLoop, error) {
	p, err := netpoll.New()
	if err != nil {
		return nil, err
	}
	w, err := netpoll.NewWakeup()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	l := &ioLoop{
		name:     name,
		poller:   p,
		wake:     w,
		conns:    make(map[int]*Connection),
		cfg:      cfg,
		exec:     exec,
		metrics:  metrics,
		acceptFD: -1,
	}
	if err := p.Register(w.FD(), netpoll.EventRead, func(netpoll.IOEvents) {
		w.Drain()
	}); err != nil {
		_ = w.Close()
		_ = p.Close()
		return nil, err
	}
	return l, nil
}

// release frees the poller and wakeup of a loop that was constructed but
// never run; run's own teardown handles the running case.
func (l *ioLoop) release() {
	_ = l.wake.Close()
	_ = l.poller.Close()
}

// signalStop requests the loop unwind and return from run.
func (l *ioLoop) signalStop() {
	l.stopping.Store(true)
	_ = l.wake.Signal()
}

// run drives the readiness loop until signalStop is called, then tears
// down every connection it owns and releases the poller/wakeup.
func (l *ioLoop) run() {
	for {
		if l.incoming != nil {
			l.drainIncoming()
		}
		if l.stopping.Load() {
			break
		}
		if _, err := l.poller.Wait(pollTimeoutMs); err != nil {
			logging.Get().Info().Str("category", logging.CategoryConn).Str("loop", l.name).Log("poller wait failed, loop exiting")
			break
		}
	}
	l.teardown()
}

func (l *ioLoop) drainIncoming() {
	for {
		select {
		case ac := <-l.incoming:
			l.registerConn(ac.fd, ac.remote)
		default:
			return
		}
	}
}

// registerConn wraps an accepted fd in a Connection and registers it with
// this loop's poller for the connection's initial interest (READ; HANGUP
// detection is implicit, epoll always reports EPOLLHUP/EPOLLERR).
func (l *ioLoop) registerConn(fd int, remote string) {
	c := newConnection(fd, remote, l.exec, l.cfg)
	c.metrics = l.metrics
	logging.Get().Debug().
		Str("category", logging.CategoryConn).
		Str("loop", l.name).
		Str("remote", c.RemoteAddr()).
		Log("connection registered")
	err := l.poller.Register(fd, c.interest, func(ev netpoll.IOEvents) {
		l.handleEvents(c, ev)
	})
	if err != nil {
		// Failed epoll_ctl on a freshly accepted fd tears down just this
		// connection.
		_ = unix.Close(fd)
		return
	}
	l.conns[fd] = c
}

// handleEvents is the per-connection readiness dispatch: error/HANGUP
// tears the connection down; otherwise DoRead and/or DoWrite run, after
// which a dead connection is unregistered and a live one has its epoll
// interest re-armed to match whatever DoRead/DoWrite left it at.
func (l *ioLoop) handleEvents(c *Connection, ev netpoll.IOEvents) {
	if ev&(netpoll.EventError|netpoll.EventHangup) != 0 {
		c.markError()
	} else {
		if ev&netpoll.EventRead != 0 {
			c.DoRead()
		}
		if c.alive && ev&netpoll.EventWrite != 0 {
			c.DoWrite()
		}
	}

	if !c.alive {
		_ = l.poller.Unregister(c.fd)
		c.close()
		delete(l.conns, c.fd)
		if l.metrics != nil {
			l.metrics.ConnectionClosed()
		}
		return
	}

	if err := l.poller.Modify(c.fd, c.interest); err != nil {
		// Failed epoll_ctl on an existing connection tears down that
		// connection only; the loop keeps running.
		_ = l.poller.Unregister(c.fd)
		c.close()
		delete(l.conns, c.fd)
		if l.metrics != nil {
			l.metrics.ConnectionClosed()
		}
	}
}

// onAcceptReady drains the listening socket's accept backlog, handing each
// new connection either directly to this loop (ST, or an acceptor that is
// also its own worker) or to a distributed worker (MT).
func (l *ioLoop) onAcceptReady() {
	for {
		fd, remote, err := acceptOne(l.acceptFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			logging.Get().Info().Str("category", logging.CategoryAccept).Log("accept failed, ending batch")
			return
		}

		if l.limiter != nil {
			host := remoteHost(remote)
			if _, ok := l.limiter.Allow(host); !ok {
				_ = unix.Close(fd)
				if l.metrics != nil {
					l.metrics.RejectedByRateLimit()
				}
				continue
			}
		}

		if l.metrics != nil {
			l.metrics.ConnectionAccepted()
		}

		if l.distributor != nil {
			if w := l.distributor.pick(); w != nil {
				select {
				case w.incoming <- acceptedConn{fd: fd, remote: remote}:
					_ = w.wake.Signal()
				default:
					// Worker handoff queue is full; shed the connection
					// rather than block the accept loop on it.
					_ = unix.Close(fd)
					if l.metrics != nil {
						l.metrics.ConnectionClosed()
					}
				}
				continue
			}
		}
		l.registerConn(fd, remote)
	}
}

// teardown closes every connection this loop still owns — including ones
// handed off but never registered — and releases the poller and wakeup.
func (l *ioLoop) teardown() {
	logging.Get().Debug().
		Str("category", logging.CategoryShutdown).
		Str("loop", l.name).
		Int("conns", len(l.conns)).
		Log("loop unwinding")
	for fd, c := range l.conns {
		_ = l.poller.Unregister(fd)
		c.close()
		delete(l.conns, fd)
		if l.metrics != nil {
			l.metrics.ConnectionClosed()
		}
	}
	if l.incoming != nil {
	drain:
		for {
			select {
			case ac := <-l.incoming:
				_ = unix.Close(ac.fd)
				if l.metrics != nil {
					l.metrics.ConnectionClosed()
				}
			default:
				break drain
			}
		}
	}
	if l.ownsAcceptFD && l.acceptFD >= 0 {
		_ = unix.Close(l.acceptFD)
	}
	_ = l.wake.Close()
	_ = l.poller.Close()
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
