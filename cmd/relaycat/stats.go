package main

import (
	"context"
	"time"

	"github.com/matst80/relaycat/internal/ledger"
	"github.com/matst80/relaycat/internal/server"
)

// recentLimit caps how many records the status endpoints return.
const recentLimit = 20

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Listening   bool            `json:"listening"`
	Addr        string          `json:"addr,omitempty"`
	Sessions    int64           `json:"sessions"`
	Errors      int64           `json:"errors"`
	ConnToLocal int64           `json:"conn_to_local"`
	LocalToConn int64           `json:"local_to_conn"`
	Recent      []ledger.Record `json:"recent"`
	Now         string          `json:"now"`
}

type statusSource interface {
	Status() server.Status
}

func collectStats(ctx context.Context, src statusSource, store ledger.Store) (Stats, error) {
	st := src.Status()
	out := Stats{Listening: st.Listening, Now: time.Now().UTC().Format(time.RFC3339)}
	if st.Listening {
		out.Addr = st.Addr.String()
	}
	totals, err := store.Stats(ctx)
	if err != nil {
		return out, err
	}
	out.Sessions = totals.Sessions
	out.Errors = totals.Errors
	out.ConnToLocal = totals.ConnToLocal
	out.LocalToConn = totals.LocalToConn
	recent, err := store.Recent(ctx, recentLimit)
	if err != nil {
		return out, err
	}
	out.Recent = recent
	return out, nil
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Listening":   s.Listening,
		"Addr":        s.Addr,
		"Sessions":    s.Sessions,
		"Errors":      s.Errors,
		"ConnToLocal": s.ConnToLocal,
		"LocalToConn": s.LocalToConn,
		"Recent":      s.Recent,
	}
}
