// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectionsAccepted counts TCP/WS connections accepted since start.
	ConnectionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linechat",
		Name:      "connections_accepted_total",
		Help:      "Accepted client connections by transport.",
	}, []string{"transport"})

	// ConnectionsOpen tracks currently open client connections.
	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linechat",
		Name:      "connections_open",
		Help:      "Currently open client connections.",
	})

	// Requests counts handled requests by verb.
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linechat",
		Name:      "requests_total",
		Help:      "Handled requests by verb.",
	}, []string{"verb"})

	// Responses counts emitted responses by status (ok or the error code).
	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linechat",
		Name:      "responses_total",
		Help:      "Emitted responses by status.",
	}, []string{"status"})

	// Pushes counts push frames by subject, split by delivery outcome.
	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linechat",
		Name:      "pushes_total",
		Help:      "Push frames by subject and outcome.",
	}, []string{"subject", "outcome"})

	// SessionsActive tracks live sessions in the registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linechat",
		Name:      "sessions_active",
		Help:      "Live sessions in the registry.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsAccepted,
		ConnectionsOpen,
		Requests,
		Responses,
		Pushes,
		SessionsActive,
	)
}
