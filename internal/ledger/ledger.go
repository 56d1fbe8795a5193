// Package ledger keeps a bounded history of finished relay sessions.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/matst80/relaycat/internal/obs"
)

// DefaultHistory is how many records a store keeps when none is configured.
const DefaultHistory = 64

// Record describes one finished relay session.
type Record struct {
	ID          string        `json:"id"`
	Instance    string        `json:"instance"`
	Remote      string        `json:"remote"`
	Local       string        `json:"local"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	ConnToLocal int64         `json:"conn_to_local"`
	LocalToConn int64         `json:"local_to_conn"`
	Reason      string        `json:"reason"`
	Err         string        `json:"err,omitempty"`
}

// Stats are running totals across all recorded sessions.
type Stats struct {
	Sessions    int64 `json:"sessions"`
	Errors      int64 `json:"errors"`
	ConnToLocal int64 `json:"conn_to_local"`
	LocalToConn int64 `json:"local_to_conn"`
}

// Store persists session records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// New returns a Redis-backed store when addr is set and an in-memory one otherwise.
func New(addr, password string, db, history int) (Store, error) {
	if history <= 0 {
		history = DefaultHistory
	}
	if addr == "" {
		obs.Info("ledger.backend", obs.Fields{"type": "in-memory", "history": history})
		return NewMemoryStore(history), nil
	}
	obs.Info("ledger.backend", obs.Fields{"type": "redis", "addr": addr, "history": history})
	return NewRedisStore(addr, password, db, history)
}

// NewID returns a random hex identifier of n bytes.
func NewID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InstanceID names this process in records shared through Redis.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (s *Stats) add(r Record) {
	s.Sessions++
	if r.Err != "" {
		s.Errors++
	}
	s.ConnToLocal += r.ConnToLocal
	s.LocalToConn += r.LocalToConn
}
