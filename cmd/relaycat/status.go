package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matst80/relaycat/internal/ledger"
	"github.com/matst80/relaycat/internal/obs"
	"github.com/matst80/relaycat/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func statusMux(src statusSource, store ledger.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), src, store)
		if err != nil {
			obs.Error("status.collect", obs.Fields{"err": err.Error()})
			http.Error(w, "ledger unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), src, store)
		if err != nil {
			obs.Error("status.collect", obs.Fields{"err": err.Error()})
		}
		var page bytes.Buffer
		if err := web.Render(&page, "dashboard", st.ToTemplateMap()); err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = page.WriteTo(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !src.Status().Listening {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startStatusServer serves Prometheus metrics plus lightweight dashboard & state endpoints.
func startStatusServer(addr string, src statusSource, store ledger.Store) {
	if err := http.ListenAndServe(addr, statusMux(src, store)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("status.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
