//go:build linux

package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listen creates a non-blocking, SO_REUSEADDR TCP listening socket bound to
// addr (host:port): socket() -> setsockopt(SO_REUSEADDR) -> bind() ->
// listen(backlog).
//
// The fd is handled directly with golang.org/x/sys/unix throughout this
// package rather than via net.Listener: the readiness loop is a hand-rolled
// epoll poller (internal/netpoll), and mixing that with the Go runtime's own
// network poller over the same fd would fight over readiness notifications.
func listen(addr string, backlog int) (fd int, bound *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP == nil || tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("server: socket: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, nil, fmt.Errorf("server: setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, nil, fmt.Errorf("server: set nonblocking: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var a4 [4]byte
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(a4[:], ip4)
		}
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: a4}
	} else {
		var a16 [16]byte
		if tcpAddr.IP != nil {
			copy(a16[:], tcpAddr.IP.To16())
		}
		sa = &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: a16}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return -1, nil, fmt.Errorf("server: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return -1, nil, fmt.Errorf("server: listen: %w", err)
	}

	boundAddr, err := localAddr(fd)
	if err != nil {
		return -1, nil, err
	}

	cleanup = false
	return fd, boundAddr, nil
}

// localAddr resolves the actual bound address of fd, which matters when the
// caller asked for port 0 (let the kernel pick one) — tests rely on this to
// discover the ephemeral port.
func localAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("server: getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}, nil
	default:
		return nil, fmt.Errorf("server: unsupported sockaddr type %T", sa)
	}
}

// acceptOne accepts a single pending connection off listenFD, setting it
// non-blocking. Returns unix.EAGAIN, unwrapped, when none are pending, which
// the accept loop uses to know a batch is finished.
func acceptOne(listenFD int) (fd int, remote string, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	default:
		return ""
	}
}
