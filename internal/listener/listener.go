//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/relaycat/internal/obs"
	"golang.org/x/sys/unix"
)

// backlog is fixed at one: a second simultaneous inbound connection is never queued.
const backlog = 1

// acceptSlice bounds each wait in Accept so context cancellation is observed.
const acceptSlice = 200 * time.Millisecond

// BindError reports that no candidate could be bound, or that listen failed.
type BindError struct {
	Addr netip.AddrPort
	Op   string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("listener closed")

var errNoCandidates = errors.New("no candidate addresses")

// Listener owns one socket descriptor in listening state.
type Listener struct {
	mu   sync.Mutex
	fd   int
	addr netip.AddrPort
}

// Listen resolves t, binds the first candidate that accepts a bind and puts the
// socket into listening state.
func Listen(ctx context.Context, t BindTarget) (*Listener, error) {
	candidates, err := Resolve(ctx, nil, t)
	if err != nil {
		return nil, err
	}
	fd, bound, err := bindFirst(candidates)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, &BindError{Addr: bound, Op: "listen", Err: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, &BindError{Addr: bound, Op: "listen", Err: err}
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		if ap, ok := addrPortFromSockaddr(sa); ok {
			bound = ap
		}
	}
	return &Listener{fd: fd, addr: bound}, nil
}

// bindFirst returns the socket bound to the first candidate that accepts a
// bind, in resolution order.
func bindFirst(candidates []netip.AddrPort) (int, netip.AddrPort, error) {
	var lastErr error = &BindError{Op: "bind", Err: errNoCandidates}
	for _, c := range candidates {
		fd, err := bindCandidate(c)
		if err != nil {
			obs.Debug("listener.bind.candidate", obs.Fields{"addr": c.String(), "err": err.Error()})
			lastErr = &BindError{Addr: c, Op: "bind", Err: err}
			continue
		}
		return fd, c, nil
	}
	return -1, netip.AddrPort{}, lastErr
}

// bindCandidate returns a bound socket or an error, never leaking a descriptor.
func bindCandidate(ap netip.AddrPort) (int, error) {
	domain := unix.AF_INET
	if ap.Addr().Is6() {
		domain = unix.AF_INET6
	}
	sa, err := sockaddr(ap)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEADDR=1: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEPORT=1: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Addr reports the bound address, with an ephemeral port already resolved.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Fd returns the listening descriptor, or -1 once closed.
func (l *Listener) Fd() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd
}

// Accept waits for one inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fd := l.Fd()
		if fd < 0 {
			return nil, ErrClosed
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, int(acceptSlice/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("poll listener: %w", err)
		}
		if n == 0 {
			continue
		}
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		unix.CloseOnExec(nfd)
		// BSD accept inherits O_NONBLOCK from the listener; the relay expects blocking I/O.
		if err := unix.SetNonblock(nfd, false); err != nil {
			_ = unix.Close(nfd)
			return nil, fmt.Errorf("accept: %w", err)
		}
		remote, _ := addrPortFromSockaddr(sa)
		local := l.addr
		if lsa, err := unix.Getsockname(nfd); err == nil {
			if ap, ok := addrPortFromSockaddr(lsa); ok {
				local = ap
			}
		}
		return &Conn{fd: nfd, remote: remote, local: local}, nil
	}
}

// Close releases the listening descriptor. It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// Conn is an accepted connection descriptor.
type Conn struct {
	mu     sync.Mutex
	fd     int
	remote netip.AddrPort
	local  netip.AddrPort
}

// Fd returns the connection descriptor, or -1 once closed.
func (c *Conn) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *Conn) LocalAddr() netip.AddrPort  { return c.local }

// Close releases the connection descriptor. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	a := ap.Addr()
	if a.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}
	if z := a.Zone(); z != "" {
		if n, err := strconv.Atoi(z); err == nil {
			sa.ZoneId = uint32(n)
		} else {
			ifi, err := net.InterfaceByName(z)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", z, err)
			}
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}
