// Package metrics exposes the Prometheus counters and gauges the peer
// session and its sidecars update as they run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle metrics
	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_connect_attempts_total",
		Help: "Total number of outbound connection attempts",
	})

	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_connect_failures_total",
		Help: "Total number of connection attempts that failed before a handshake could start",
	})

	HandshakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_handshakes_completed_total",
		Help: "Total number of version messages written to a peer (the peer's verack is not awaited)",
	})

	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_handshake_failures_total",
		Help: "Total number of handshakes that did not complete",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cirrus_sessions_active",
		Help: "Number of currently established peer sessions",
	})

	SessionDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_session_disconnects_total",
		Help: "Total number of session exits, labelled by cause",
	}, []string{"reason"})

	// Frame-level metrics
	FramesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_frames_read_total",
		Help: "Total number of frames successfully parsed off the wire",
	})

	FramesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_frames_written_total",
		Help: "Total number of frames written to the wire",
	})

	InvalidChecksums = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_invalid_checksums_total",
		Help: "Total number of frames rejected for a checksum mismatch",
	})

	PingRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cirrus_ping_round_trip_ms",
		Help:    "Milliseconds from decoding an inbound ping to queueing its pong reply",
		Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	})

	// Inventory metrics
	InvTxAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_inv_tx_announcements_total",
		Help: "Total transaction announcements received via inv messages",
	})

	InvBlockAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_inv_block_announcements_total",
		Help: "Total block announcements received via inv messages",
	})

	GetDataRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_getdata_requested_total",
		Help: "Total objects requested via getdata",
	})

	// Bloom filter metrics
	FilterLoadsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_filterloads_sent_total",
		Help: "Total filterload messages sent to peers",
	})

	FilterBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cirrus_filter_bytes",
		Help: "Size in bytes of the most recently installed bloom filter",
	})

	// UTXO ingestion sidecar metrics
	UTXOFetchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_utxo_fetch_attempts_total",
		Help: "Total attempts to fetch a UTXO snapshot chunk",
	})

	UTXOFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_utxo_fetch_failures_total",
		Help: "Total UTXO snapshot chunk fetches that failed after retries",
	})

	UTXOEntriesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_utxo_entries_ingested_total",
		Help: "Total UTXO entries decoded from fetched snapshot chunks",
	})
)

// corsHandler wraps a handler with CORS headers so a local dashboard can
// scrape cross-origin during development.
func corsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartMetricsServer starts the Prometheus metrics HTTP server on addr.
func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", corsHandler(promhttp.Handler()))
	go http.ListenAndServe(addr, mux)
}
