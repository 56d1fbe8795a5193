package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Listening              = promauto.NewGauge(prometheus.GaugeOpts{Name: "relaycat_listening", Help: "1 while a listening socket is bound"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaycat_sessions_total", Help: "Relay sessions by end reason"}, []string{"reason"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relaycat_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaycat_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	HalfCloseTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaycat_half_close_total", Help: "Half-closes by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaycat_errors_total", Help: "Errors by type"}, []string{"type"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "relaycat_rejected_total", Help: "Connections closed by the accept limiter"})
)
