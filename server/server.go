//go:build linux

// Package server implements the non-blocking Network Core: an acceptor
// loop (or several, for the MT variant) multiplexing client connections
// against a storage collaborator via the readiness primitives in
// internal/netpoll, with the incremental request pipeline in
// connection.go applying backpressure through interest-mask toggling.
//
// Two topologies are implemented: NWorkers == 0 selects the
// single-threaded variant (one loop is both acceptor and the sole
// connection owner); NWorkers > 0 selects the multi-threaded variant
// (a pool of worker loops, each owning a disjoint, never-migrating subset
// of connections, fed by one or more acceptor loops via distributor).
package server

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/piton322/kvcached/internal/netpoll"
	"github.com/piton322/kvcached/internal/serverstats"
	"github.com/piton322/kvcached/protocol"
	"github.com/piton322/kvcached/store"
)

// Server owns a listening socket and the readiness loop(s) multiplexing
// accepted connections against storage. The zero value is not usable;
// construct with NewServer.
type Server struct {
	addr    string
	cfg     Config
	exec    protocol.Executor
	metrics *serverstats.Metrics

	mu        sync.Mutex
	running   bool
	boundAddr *net.TCPAddr

	acceptors []*ioLoop
	workers   []*ioLoop
	wg        sync.WaitGroup
}

// NewServer constructs a Server listening on addr (host:port; port 0 asks
// the kernel for an ephemeral port) once Start is called. storage is the
// capability every executed command mutates; in the MT variant it is shared
// across workers, so pass the mutex-wrapped store.Safe there. exec is the
// pluggable request executor every parsed command is run against; a nil
// exec selects the SET/ADD/GET/DELETE grammar this module ships, wired to
// storage.
func NewServer(addr string, storage store.Storage, exec protocol.Executor, opts ...Option) *Server {
	cfg := resolveOptions(opts)
	if exec == nil {
		exec = protocol.NewStoreExecutor(storage)
	}
	var metrics *serverstats.Metrics
	if cfg.MetricsEnabled {
		metrics = &serverstats.Metrics{}
	}
	return &Server{
		addr:    addr,
		cfg:     cfg,
		exec:    exec,
		metrics: metrics,
	}
}

// Addr returns the address the listening socket was actually bound to.
// Only meaningful after a successful Start.
func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Metrics returns a point-in-time snapshot of the server's counters; the
// zero Snapshot if metrics were not enabled via WithMetrics.
func (s *Server) Metrics() serverstats.Snapshot {
	if s.metrics == nil {
		return serverstats.Snapshot{}
	}
	return s.metrics.Snapshot()
}

// Start binds the listening socket and launches the acceptor/worker
// goroutines. It returns once the server is accepting connections; use
// Stop then Join to shut down. Returns ErrAlreadyRunning if already
// started, or a wrapped setup error (bind/listen/epoll_create failures
// abort startup).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	fd, bound, err := listen(s.addr, s.cfg.Backlog)
	if err != nil {
		return err
	}

	if s.cfg.NWorkers <= 0 {
		l, err := newIOLoop("st", s.cfg, s.exec, s.metrics)
		if err != nil {
			_ = unix.Close(fd)
			return err
		}
		l.acceptFD = fd
		l.ownsAcceptFD = true
		l.limiter = s.cfg.RateLimiter
		if err := l.poller.Register(fd, netpoll.EventRead, func(netpoll.IOEvents) { l.onAcceptReady() }); err != nil {
			l.acceptFD = -1
			l.release()
			_ = unix.Close(fd)
			return err
		}
		s.acceptors = []*ioLoop{l}
		s.startLoop(l)
	} else {
		var created []*ioLoop
		fail := func(err error) error {
			for _, l := range created {
				l.release()
			}
			_ = unix.Close(fd)
			return err
		}

		workers := make([]*ioLoop, s.cfg.NWorkers)
		for i := range workers {
			w, err := newIOLoop("worker", s.cfg, s.exec, s.metrics)
			if err != nil {
				return fail(err)
			}
			w.incoming = make(chan acceptedConn, 64)
			workers[i] = w
			created = append(created, w)
		}
		dist := &distributor{workers: workers}

		nAcceptors := s.cfg.NAcceptors
		if nAcceptors < 1 {
			nAcceptors = 1
		}
		acceptors := make([]*ioLoop, nAcceptors)
		for i := range acceptors {
			a, err := newIOLoop("acceptor", s.cfg, s.exec, s.metrics)
			if err != nil {
				return fail(err)
			}
			a.acceptFD = fd
			a.ownsAcceptFD = i == 0
			a.limiter = s.cfg.RateLimiter
			a.distributor = dist
			if err := a.poller.Register(fd, netpoll.EventRead, func(netpoll.IOEvents) { a.onAcceptReady() }); err != nil {
				a.acceptFD = -1
				created = append(created, a)
				return fail(err)
			}
			acceptors[i] = a
			created = append(created, a)
		}

		s.workers = workers
		s.acceptors = acceptors
		for _, w := range workers {
			s.startLoop(w)
		}
		for _, a := range acceptors {
			s.startLoop(a)
		}
	}

	s.boundAddr = bound
	s.running = true
	return nil
}

func (s *Server) startLoop(l *ioLoop) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.run()
	}()
}

// Stop requests every loop unwind: each acceptor and worker is woken via
// its eventfd and tears down its owned connections before returning. Stop
// does not block; call Join to wait for that to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	for _, a := range s.acceptors {
		a.signalStop()
	}
	for _, w := range s.workers {
		w.signalStop()
	}
	s.running = false
	return nil
}

// Join waits for every acceptor and worker goroutine to return. Safe to
// call concurrently with, or after, Stop.
func (s *Server) Join() {
	s.wg.Wait()
}

// Close is Stop followed by Join in one call: it signals every loop, then
// waits for them to unwind. As with Stop/Join, queued but unwritten
// responses are discarded along with their connections.
func (s *Server) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.Join()
	return nil
}
