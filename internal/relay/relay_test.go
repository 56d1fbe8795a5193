//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/matst80/relaycat/internal/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	res Result
	err error
}

// harness wires a session to a loopback client and two pipes standing in for
// stdin and stdout.
type harness struct {
	client *net.TCPConn
	conn   *listener.Conn
	stdin  *os.File // test writes here
	stdout *os.File // test reads here
	done   chan outcome

	inR, outW *os.File
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	ln, err := listener.Listen(context.Background(), listener.BindTarget{Host: "127.0.0.1", Port: "0"})
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ln.Accept(ctx)
	require.NoError(t, err)

	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	h := &harness{
		client: client.(*net.TCPConn),
		conn:   conn,
		stdin:  inW,
		stdout: outR,
		done:   make(chan outcome, 1),
		inR:    inR,
		outW:   outW,
	}
	t.Cleanup(func() {
		h.client.Close()
		h.conn.Close()
		h.stdin.Close()
		h.stdout.Close()
		h.inR.Close()
		h.outW.Close()
	})

	s := New(conn.Fd(), Stdio{In: int(inR.Fd()), Out: int(outW.Fd())}, opts)
	go func() {
		res, err := s.Run()
		h.done <- outcome{res: res, err: err}
	}()
	return h
}

func (h *harness) wait(t *testing.T, within time.Duration) outcome {
	t.Helper()
	select {
	case o := <-h.done:
		return o
	case <-time.After(within):
		t.Fatalf("session still running after %s", within)
		return outcome{}
	}
}

func readExactly(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestRelayPingPong(t *testing.T) {
	h := start(t, Options{Timeout: 5 * time.Second})

	_, err := h.client.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.NoError(t, h.stdout.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "PING\n", string(readExactly(t, h.stdout, 5)))

	_, err = h.stdin.Write([]byte("PONG\n"))
	require.NoError(t, err)
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "PONG\n", string(readExactly(t, h.client, 5)))

	require.NoError(t, h.client.Close())
	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Equal(t, EndPeerClosed, o.res.Reason)
	assert.EqualValues(t, 5, o.res.ConnToLocal)
	assert.EqualValues(t, 5, o.res.LocalToConn)
	assert.True(t, o.res.ConnReadClosed)
}

func TestRelayPeerHalfCloseEndsSessionWithStdinOpen(t *testing.T) {
	h := start(t, Options{})

	_, err := h.client.Write([]byte("bye\n"))
	require.NoError(t, err)
	require.NoError(t, h.client.CloseWrite())

	// stdin stays open and idle, yet the session is over.
	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Equal(t, EndPeerClosed, o.res.Reason)
	assert.True(t, o.res.ConnReadClosed)
	assert.False(t, o.res.ConnWriteClosed)
	assert.EqualValues(t, 4, o.res.ConnToLocal)
	assert.Zero(t, o.res.LocalToConn)

	require.NoError(t, h.stdout.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "bye\n", string(readExactly(t, h.stdout, 4)))

	// Data offered on stdin after the connection's read side ended is never relayed.
	_, err = h.stdin.Write([]byte("late\n"))
	require.NoError(t, err)
	require.NoError(t, h.conn.Close())
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(h.client)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestRelayLocalEOFHalfClosesConnection(t *testing.T) {
	h := start(t, Options{Timeout: 5 * time.Second})

	_, err := h.stdin.Write([]byte("last words\n"))
	require.NoError(t, err)
	require.NoError(t, h.stdin.Close())

	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(h.client)
	require.NoError(t, err)
	assert.Equal(t, "last words\n", string(got))

	// The session keeps relaying the other direction.
	_, err = h.client.Write([]byte("still here\n"))
	require.NoError(t, err)
	require.NoError(t, h.stdout.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "still here\n", string(readExactly(t, h.stdout, 11)))

	require.NoError(t, h.client.CloseWrite())
	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Equal(t, EndPeerClosed, o.res.Reason)
	assert.True(t, o.res.ConnWriteClosed)
	assert.True(t, o.res.ConnReadClosed)
}

func TestRelayQuiescentTimeout(t *testing.T) {
	h := start(t, Options{Timeout: 100 * time.Millisecond})

	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Equal(t, EndQuiescent, o.res.Reason)
	assert.Zero(t, o.res.ConnToLocal)
	assert.Zero(t, o.res.LocalToConn)
	assert.False(t, o.res.ConnReadClosed)
}

func TestRelayDetachedIgnoresStdin(t *testing.T) {
	h := start(t, Options{Detached: true})

	_, err := h.stdin.Write([]byte("ignored\n"))
	require.NoError(t, err)
	_, err = h.client.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.NoError(t, h.stdout.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "hi\n", string(readExactly(t, h.stdout, 3)))

	require.NoError(t, h.client.CloseWrite())
	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Zero(t, o.res.LocalToConn)

	require.NoError(t, h.conn.Close())
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(h.client)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestRelayPreservesOrderAcrossChunks(t *testing.T) {
	h := start(t, Options{})

	payload := make([]byte, 10*BufferSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(io.LimitReader(h.stdout, int64(len(payload))))
		got <- b
	}()
	_, err = h.client.Write(payload)
	require.NoError(t, err)
	require.NoError(t, h.client.CloseWrite())

	o := h.wait(t, 10*time.Second)
	require.NoError(t, o.err)
	assert.EqualValues(t, len(payload), o.res.ConnToLocal)
	select {
	case b := <-got:
		assert.True(t, bytes.Equal(payload, b), "relayed bytes differ")
	case <-time.After(10 * time.Second):
		t.Fatal("stdout reader did not finish")
	}
}

func TestRelayWriteFailureEndsSession(t *testing.T) {
	h := start(t, Options{})
	require.NoError(t, h.stdout.Close())

	_, err := h.client.Write([]byte("nobody listening\n"))
	require.NoError(t, err)

	o := h.wait(t, 5*time.Second)
	require.Error(t, o.err)
	assert.Equal(t, EndWriteError, o.res.Reason)
}

func TestRelayWithInterval(t *testing.T) {
	h := start(t, Options{Interval: 10 * time.Millisecond})

	_, err := h.client.Write([]byte("tick\n"))
	require.NoError(t, err)
	require.NoError(t, h.stdout.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "tick\n", string(readExactly(t, h.stdout, 5)))

	require.NoError(t, h.client.Close())
	o := h.wait(t, 5*time.Second)
	require.NoError(t, o.err)
	assert.Equal(t, EndPeerClosed, o.res.Reason)
}

func TestPollTimeoutConversion(t *testing.T) {
	assert.Equal(t, -1, Options{}.pollTimeout())
	assert.Equal(t, -1, Options{Timeout: -time.Second}.pollTimeout())
	assert.Equal(t, 1, Options{Timeout: time.Microsecond}.pollTimeout())
	assert.Equal(t, 1500, Options{Timeout: 1500 * time.Millisecond}.pollTimeout())
}
