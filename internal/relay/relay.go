//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package relay pumps bytes between one connected socket and the local
// standard streams with a single poll loop.
package relay

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// BufferSize is the capacity of the session transfer buffer.
	BufferSize = 8192
	// ReadQuantum is the most a single read takes from either source.
	ReadQuantum = 1024
)

// Options configure a session. The zero value polls forever with stdin enabled.
type Options struct {
	// Detached disables the local input direction entirely.
	Detached bool
	// Interval is slept before every poll when positive.
	Interval time.Duration
	// Timeout bounds each poll; zero or negative waits forever.
	Timeout time.Duration
}

func (o Options) pollTimeout() int {
	if o.Timeout <= 0 {
		return -1
	}
	ms := int(o.Timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

// Stdio names the local descriptors a session uses.
type Stdio struct {
	In  int
	Out int
}

// DefaultStdio is the process's own standard input and output.
var DefaultStdio = Stdio{In: unix.Stdin, Out: unix.Stdout}

// Role identifies which source a poll registration reads from.
type Role int

const (
	RoleConn Role = iota
	RoleLocal
)

func (r Role) String() string {
	if r == RoleLocal {
		return "local"
	}
	return "conn"
}

// EndReason says why a session finished.
type EndReason string

const (
	EndPeerClosed EndReason = "peer_closed"
	EndQuiescent  EndReason = "quiescent"
	EndReadError  EndReason = "read_error"
	EndWriteError EndReason = "write_error"
	EndPollError  EndReason = "poll_error"
)

// Result summarises a finished session.
type Result struct {
	Reason EndReason
	// ConnToLocal counts bytes read from the connection and written to stdout.
	ConnToLocal int64
	// LocalToConn counts bytes read from stdin and written to the connection.
	LocalToConn int64
	// ConnReadClosed is set once the connection reached end-of-stream.
	ConnReadClosed bool
	// ConnWriteClosed is set once stdin reached end-of-stream and the
	// connection's write side was shut down.
	ConnWriteClosed bool
}

// registration is one poll interest. A closed registration is never polled
// or read again.
type registration struct {
	fd   int
	role Role
	open bool
}

// Session owns the transfer buffer and poll registrations for one connection.
type Session struct {
	conn  int
	stdio Stdio
	opts  Options
	regs  []registration
	buf   [BufferSize]byte
	res   Result
}

// New prepares a session over the connected descriptor conn.
func New(conn int, stdio Stdio, opts Options) *Session {
	s := &Session{conn: conn, stdio: stdio, opts: opts}
	s.regs = append(s.regs, registration{fd: conn, role: RoleConn, open: true})
	if !opts.Detached {
		s.regs = append(s.regs, registration{fd: stdio.In, role: RoleLocal, open: true})
	}
	return s
}

// Run relays until the connection's read side is done, a poll times out with
// nothing ready, or an I/O error occurs. Only the I/O error cases return a
// non-nil error. The session ends once the connection reaches end-of-stream
// even when local input is still open.
func (s *Session) Run() (Result, error) {
	for s.connOpen() {
		if s.opts.Interval > 0 {
			time.Sleep(s.opts.Interval)
		}
		pfds, idx := s.pollSet()
		n, err := poll(pfds, s.opts.pollTimeout())
		if err != nil {
			return s.end(EndPollError, fmt.Errorf("poll: %w", err))
		}
		if n == 0 {
			return s.end(EndQuiescent, nil)
		}
		for i, pfd := range pfds {
			if !readable(pfd.Revents) {
				continue
			}
			reg := &s.regs[idx[i]]
			var err error
			var reason EndReason
			switch reg.role {
			case RoleConn:
				reason, err = s.pumpConn(reg)
			case RoleLocal:
				reason, err = s.pumpLocal(reg)
			}
			if err != nil {
				return s.end(reason, err)
			}
		}
	}
	return s.end(EndPeerClosed, nil)
}

// Result reports the counters gathered so far.
func (s *Session) Result() Result { return s.res }

func (s *Session) end(reason EndReason, err error) (Result, error) {
	s.res.Reason = reason
	return s.res, err
}

func (s *Session) connOpen() bool {
	for _, r := range s.regs {
		if r.role == RoleConn {
			return r.open
		}
	}
	return false
}

// pollSet builds the poll array over the still-open registrations and maps
// each entry back to its registration index.
func (s *Session) pollSet() ([]unix.PollFd, []int) {
	pfds := make([]unix.PollFd, 0, len(s.regs))
	idx := make([]int, 0, len(s.regs))
	for i, r := range s.regs {
		if !r.open {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(r.fd), Events: unix.POLLIN})
		idx = append(idx, i)
	}
	return pfds, idx
}

// pumpConn moves one read quantum from the connection to stdout.
func (s *Session) pumpConn(reg *registration) (EndReason, error) {
	n, err := read(reg.fd, s.buf[:ReadQuantum])
	switch {
	case errors.Is(err, errNotReady):
		return "", nil
	case err != nil:
		return EndReadError, fmt.Errorf("read conn: %w", err)
	case n == 0:
		// The write direction stays usable for local input.
		_ = unix.Shutdown(s.conn, unix.SHUT_RD)
		reg.open = false
		s.res.ConnReadClosed = true
		return "", nil
	}
	w, err := WriteAll(s.stdio.Out, s.buf[:n])
	s.res.ConnToLocal += int64(w)
	if err != nil {
		return EndWriteError, fmt.Errorf("write stdout: %w", err)
	}
	return "", nil
}

// pumpLocal moves one read quantum from stdin to the connection.
func (s *Session) pumpLocal(reg *registration) (EndReason, error) {
	n, err := read(reg.fd, s.buf[:ReadQuantum])
	switch {
	case errors.Is(err, errNotReady):
		return "", nil
	case err != nil:
		return EndReadError, fmt.Errorf("read stdin: %w", err)
	case n == 0:
		_ = unix.Shutdown(s.conn, unix.SHUT_WR)
		reg.open = false
		s.res.ConnWriteClosed = true
		return "", nil
	}
	w, err := WriteAll(s.conn, s.buf[:n])
	s.res.LocalToConn += int64(w)
	if err != nil {
		return EndWriteError, fmt.Errorf("write conn: %w", err)
	}
	return "", nil
}

// errNotReady marks a spurious wakeup on a non-blocking descriptor.
var errNotReady = errors.New("not ready")

func read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, errNotReady
		default:
			return 0, err
		}
	}
}

func poll(pfds []unix.PollFd, timeout int) (int, error) {
	for {
		n, err := unix.Poll(pfds, timeout)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return n, err
		}
	}
}

// readable also treats hangup, error and invalid descriptors as readable so
// the following read observes end-of-stream or the pending error.
func readable(revents int16) bool {
	return revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
}
