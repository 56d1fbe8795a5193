//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package server runs the accept-relay cycle: bind, accept one connection,
// relay it against the local streams, close, and optionally start over.
package server

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/relaycat/internal/ledger"
	"github.com/matst80/relaycat/internal/listener"
	"github.com/matst80/relaycat/internal/obs"
	"github.com/matst80/relaycat/internal/ratelimit"
	"github.com/matst80/relaycat/internal/relay"
	"go.uber.org/multierr"
)

// Config is built once by the command line layer and never mutated.
type Config struct {
	Target listener.BindTarget
	Relay  relay.Options
	Stdio  relay.Stdio
	// KeepOpen serves connections one after another instead of exiting
	// after the first session.
	KeepOpen bool
	// Accept limiter, in connections per second. Zero disables a bucket.
	AcceptRate       int
	AcceptSourceRate int
	AcceptBurst      int
}

// Status is a snapshot for health and dashboard endpoints.
type Status struct {
	Listening bool
	Addr      netip.AddrPort
	Sessions  int64
}

// Server owns the outer control loop. Only one session runs at a time.
type Server struct {
	cfg      Config
	store    ledger.Store
	limiter  *ratelimit.Limiter
	instance string
	onListen func(netip.AddrPort)

	mu        sync.Mutex
	listening bool
	addr      netip.AddrPort
	sessions  int64
}

// New creates a server. store may be nil when no history is kept.
func New(cfg Config, store ledger.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		limiter:  ratelimit.NewLimiter(cfg.AcceptRate, cfg.AcceptSourceRate, cfg.AcceptBurst),
		instance: ledger.InstanceID(),
	}
}

// OnListen registers fn to be called with the bound address each time a
// listening socket is ready. It must be called before Serve.
func (s *Server) OnListen(fn func(netip.AddrPort)) { s.onListen = fn }

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Listening: s.listening, Addr: s.addr, Sessions: s.sessions}
}

// Serve runs accept cycles until one session finished (or, with KeepOpen,
// until ctx is cancelled). Resolution and bind failures are returned; errors
// inside a session only end that session.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		served, err := s.cycle(ctx)
		if err != nil {
			return err
		}
		if !served {
			return nil
		}
		if !s.cfg.KeepOpen {
			return nil
		}
	}
}

// cycle binds, serves one admissible connection and releases both descriptors.
// served is false when ctx ended the wait for a connection.
func (s *Server) cycle(ctx context.Context) (served bool, err error) {
	ln, err := listener.Listen(ctx, s.cfg.Target)
	if err != nil {
		obs.Error("listener.setup", obs.Fields{"target": s.cfg.Target.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("listen").Inc()
		return false, err
	}
	s.setListening(true, ln.Addr())
	obs.Info("listener.bound", obs.Fields{"addr": ln.Addr().String()})
	if s.onListen != nil {
		s.onListen(ln.Addr())
	}
	defer func() {
		if cerr := ln.Close(); cerr != nil {
			obs.Error("listener.close", obs.Fields{"err": cerr.Error()})
		}
		s.setListening(false, netip.AddrPort{})
	}()

	conn, err := s.acceptAdmissible(ctx, ln)
	if err != nil {
		if ctx.Err() != nil {
			obs.Info("listener.cancelled", obs.Fields{"addr": ln.Addr().String()})
			return false, nil
		}
		obs.Error("listener.accept", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("accept").Inc()
		return false, err
	}
	s.runSession(conn)
	// The deferred listener close is a no-op after this.
	if cerr := closeAll(conn, ln); cerr != nil {
		obs.Error("session.close", obs.Fields{"err": cerr.Error()})
	}
	return true, nil
}

// acceptAdmissible accepts until the limiter admits a connection. Rejected
// connections are closed at once and do not count as a served cycle.
func (s *Server) acceptAdmissible(ctx context.Context, ln *listener.Listener) (*listener.Conn, error) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		source := conn.RemoteAddr().Addr().String()
		if s.limiter.Allow(source) {
			return conn, nil
		}
		obs.Info("accept.rejected", obs.Fields{"remote": conn.RemoteAddr().String()})
		obs.RejectedTotal.Inc()
		if err := conn.Close(); err != nil {
			obs.Error("accept.rejected.close", obs.Fields{"err": err.Error()})
		}
	}
}

func (s *Server) runSession(conn *listener.Conn) {
	id, err := ledger.NewID(8)
	if err != nil {
		obs.Error("session.id", obs.Fields{"err": err.Error()})
	}
	start := time.Now()
	obs.Info("session.start", obs.Fields{"id": id, "remote": conn.RemoteAddr().String(), "local": conn.LocalAddr().String()})

	res, runErr := relay.New(conn.Fd(), s.cfg.Stdio, s.cfg.Relay).Run()
	dur := time.Since(start)

	obs.SessionsTotal.WithLabelValues(string(res.Reason)).Inc()
	obs.SessionDurationSeconds.Observe(dur.Seconds())
	obs.BytesTotal.WithLabelValues("conn_to_local").Add(float64(res.ConnToLocal))
	obs.BytesTotal.WithLabelValues("local_to_conn").Add(float64(res.LocalToConn))
	if res.ConnReadClosed {
		obs.HalfCloseTotal.WithLabelValues("conn_read").Inc()
	}
	if res.ConnWriteClosed {
		obs.HalfCloseTotal.WithLabelValues("conn_write").Inc()
	}

	rec := ledger.Record{
		ID:          id,
		Instance:    s.instance,
		Remote:      conn.RemoteAddr().String(),
		Local:       conn.LocalAddr().String(),
		Started:     start.UTC(),
		Duration:    dur,
		ConnToLocal: res.ConnToLocal,
		LocalToConn: res.LocalToConn,
		Reason:      string(res.Reason),
	}
	fields := obs.Fields{"id": id, "reason": string(res.Reason), "conn_to_local": res.ConnToLocal, "local_to_conn": res.LocalToConn, "duration": dur.String()}
	if runErr != nil {
		rec.Err = runErr.Error()
		fields["err"] = runErr.Error()
		obs.ErrorsTotal.WithLabelValues(string(res.Reason)).Inc()
		obs.Error("session.end", fields)
	} else {
		obs.Info("session.end", fields)
	}

	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	s.record(rec)
	s.limiter.Cleanup()
}

func (s *Server) record(rec ledger.Record) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, rec); err != nil {
		obs.Error("ledger.append", obs.Fields{"id": rec.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("ledger").Inc()
	}
}

func (s *Server) setListening(v bool, addr netip.AddrPort) {
	s.mu.Lock()
	s.listening = v
	s.addr = addr
	s.mu.Unlock()
	if v {
		obs.Listening.Set(1)
	} else {
		obs.Listening.Set(0)
	}
}

// Close releases the history store.
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// IsSetupError reports whether err came from resolution or binding, the
// failures that abort the whole process.
func IsSetupError(err error) bool {
	var rerr *listener.ResolveError
	var berr *listener.BindError
	return errors.As(err, &rerr) || errors.As(err, &berr) || errors.Is(err, listener.ErrNoPort)
}

// closeAll closes every closer and combines their errors.
func closeAll(closers ...interface{ Close() error }) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
