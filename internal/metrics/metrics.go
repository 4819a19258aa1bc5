// Package metrics provides Prometheus metrics for the treesync relay.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treesync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Room metrics
	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_rooms_active",
			Help: "Number of rooms with at least one member",
		},
	)

	membersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_members_active",
			Help: "Number of joined members across all rooms",
		},
	)

	joinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_joins_total",
			Help: "Join requests by result",
		},
		[]string{"result"},
	)

	// Websocket metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	eventsRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_events_relayed_total",
			Help: "Events received from peers, by type",
		},
		[]string{"event"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_events_dropped_total",
			Help: "Events not delivered, by reason",
		},
		[]string{"reason"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_rate_limit_hits_total",
			Help: "Inbound events delayed by the per-connection limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetRooms sets the number of active rooms and members.
func SetRooms(rooms, members int) {
	roomsActive.Set(float64(rooms))
	membersActive.Set(float64(members))
}

// RecordJoin records a join request.
func RecordJoin(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "username_exists"
	}
	joinsTotal.WithLabelValues(result).Inc()
}

// SetWSConnectionsActive sets the number of open websocket connections.
func SetWSConnectionsActive(count int64) {
	wsConnectionsActive.Set(float64(count))
}

// RecordEvent records an inbound event.
func RecordEvent(event string) {
	eventsRelayedTotal.WithLabelValues(event).Inc()
}

// RecordDropped records an event that was not delivered.
func RecordDropped(reason string) {
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit records an event held back by the rate limiter.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
