// Package metrics defines the relay's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelayRequests counts relay operations by classification and outcome
	// ("ok", "client_error", "upstream_error", "stream_error").
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Relay operations by classification and outcome.",
	}, []string{"classification", "outcome"})

	// ActiveStreams tracks media relays currently piping bytes.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_streams",
		Help: "Media relays currently streaming to a client.",
	})

	// UpstreamBytes counts bytes relayed from origins to clients.
	UpstreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_bytes_total",
		Help: "Bytes relayed from upstream origins to clients.",
	})

	// TranscodeSessions counts transcoder runs by result
	// ("ok", "start_failed", "exit_error", "killed").
	TranscodeSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_transcode_sessions_total",
		Help: "Transcode subprocess sessions by result.",
	}, []string{"result"})

	// SniffFetches counts classification prefix fetches by result
	// ("ranged", "fallback", "error").
	SniffFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sniff_fetches_total",
		Help: "Classification sniff fetches by result.",
	}, []string{"result"})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
