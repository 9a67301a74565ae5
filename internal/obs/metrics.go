package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Session and invariant metrics
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_token_refreshes_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	authorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_authorizations_total",
			Help: "Access token checks by outcome.",
		},
		[]string{"outcome"},
	)

	logoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounts_logouts_total",
		Help: "Access tokens revoked by logout.",
	})

	violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_invariant_violations_total",
			Help: "Changesets rejected by the invariant engine, by violation kind.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, refreshesTotal, authorizationsTotal, logoutsTotal, violationsTotal,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt.
func ObserveLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// ObserveRefresh counts a refresh token rotation.
func ObserveRefresh(outcome string) { refreshesTotal.WithLabelValues(outcome).Inc() }

// ObserveAuthorize counts an access token check.
func ObserveAuthorize(outcome string) { authorizationsTotal.WithLabelValues(outcome).Inc() }

// ObserveLogout counts a logout.
func ObserveLogout() { logoutsTotal.Inc() }

// ObserveViolation counts a rejected changeset.
func ObserveViolation(kind string) { violationsTotal.WithLabelValues(kind).Inc() }

// Instrument measures request rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity ids so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "accounts" {
		return path
	}
	switch len(parts) {
	case 3:
		return "/v1/accounts/:id"
	case 4:
		if parts[3] == "emails" || parts[3] == "identities" {
			return "/v1/accounts/:id/" + parts[3]
		}
	case 5:
		if parts[3] == "emails" {
			return "/v1/accounts/:id/emails/:email_id"
		}
		if parts[3] == "identities" {
			return "/v1/accounts/:id/identities/:identity_id"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
