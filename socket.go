package reactor

import (
	"net"
	"time"

	"github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socket wraps a raw, non-blocking file descriptor and the handful of
// setsockopt/bind/listen/accept/shutdown operations the Acceptor and
// TcpConnection need. Unlike net.Conn, it gives direct fd access so the
// rest of the package can hand descriptors to the Demultiplexer.
type socket struct {
	fd int
}

// newListenSocket creates, binds, and configures a non-blocking IPv4 TCP
// listening socket. SO_REUSEADDR is always enabled, matching the spec;
// SO_REUSEPORT is conditional on reusePort. Listen backlog is 1024.
func newListenSocket(addr string, reusePort bool) (*socket, error) {
	if reusePort {
		ln, err := reuseport.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "reuseport listen")
		}
		fd, err := fdFromListener(ln)
		if err != nil {
			return nil, err
		}
		s := &socket{fd: fd}
		s.setReuseAddr(true)
		return s, nil
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	s := &socket{fd: fd}
	s.setReuseAddr(true)

	var sa unix.SockaddrInet4
	if tcpAddr.IP != nil {
		copy(sa.Addr[:], tcpAddr.IP.To4())
	}
	sa.Port = tcpAddr.Port
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return s, nil
}

// fdFromListener extracts and dup's the raw fd behind a *net.TCPListener
// obtained from go_reuseport, putting it under our own ownership so the
// net.Listener wrapper can be discarded without closing the fd out from
// under us.
func fdFromListener(ln net.Listener) (int, error) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return 0, errors.Errorf("reuseport listener has unexpected type %T", ln)
	}
	f, err := tcpLn.File()
	if err != nil {
		return 0, errors.Wrap(err, "listener file")
	}
	fd := int(f.Fd())
	newFd, err := unix.Dup(fd)
	if err != nil {
		f.Close()
		return 0, errors.Wrap(err, "dup listener fd")
	}
	f.Close() // closes File's own duplicate; newFd survives independently
	if err := unix.SetNonblock(newFd, true); err != nil {
		unix.Close(newFd)
		return 0, errors.Wrap(err, "set nonblock")
	}
	return newFd, nil
}

// accept performs a single accept4 call with SOCK_NONBLOCK|SOCK_CLOEXEC set
// atomically, matching Socket::accept's note that the flags must be
// applied at accept time rather than with a follow-up fcntl.
func (s *socket) accept() (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sa, nil
}

func (s *socket) shutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *socket) setTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

func (s *socket) setReuseAddr(on bool) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

func (s *socket) setKeepAlive(on bool, idle time.Duration) error {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)); err != nil {
		return err
	}
	if on && idle > 0 {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle/time.Second))
	}
	return nil
}

func (s *socket) close() error {
	return unix.Close(s.fd)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}

func localAddrOf(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return &net.TCPAddr{}
	}
	return sockaddrToTCPAddr(sa)
}
