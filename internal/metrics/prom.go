// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for the Relay
// binaries (controller, agent). It exposes typed collectors so call sites
// stay import-cycle-free. The package registers with the global
// prometheus.DefaultRegisterer, which callers expose via the /metrics HTTP
// handler from the Prometheus client library.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Gauges ------------------------------------------------------------
    AgentsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "soulrelay",
        Subsystem: "hub",
        Name:      "agents_connected",
        Help:      "Number of Agent sessions currently authenticated and bound.",
    })

    OutstandingAwaiters = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "soulrelay",
        Subsystem: "hub",
        Name:      "outstanding_awaiters",
        Help:      "Outstanding request-file-info/file-upload awaiters across all sessions.",
    })

    // Counters ------------------------------------------------------------
    LoginAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "soulrelay",
        Subsystem: "hub",
        Name:      "login_attempts_total",
        Help:      "Agent login attempts, labelled by result.",
    }, []string{"result"})

    TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "soulrelay",
        Subsystem: "token",
        Name:      "issued_total",
        Help:      "Tokens issued, labelled by purpose.",
    }, []string{"purpose"})

    TokensValidatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "soulrelay",
        Subsystem: "token",
        Name:      "validated_total",
        Help:      "Token validation attempts, labelled by purpose and result.",
    }, []string{"purpose", "result"})

    BytesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "soulrelay",
        Subsystem: "transfer",
        Name:      "bytes_relayed_total",
        Help:      "Bytes streamed through the file-upload and file-download endpoints, labelled by direction.",
    }, []string{"direction"})

    // Histograms ------------------------------------------------------------
    StreamWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "soulrelay",
        Subsystem: "service",
        Name:      "stream_wait_seconds",
        Help:      "Time between ObtainStream issuing a token and the Agent's POST /files arriving.",
        Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
    })
)

// Register exports all metrics; safe to call multiple times.
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            AgentsConnected,
            OutstandingAwaiters,
            LoginAttemptsTotal,
            TokensIssuedTotal,
            TokensValidatedTotal,
            BytesRelayedTotal,
            StreamWaitSeconds,
        )
    })
}
