package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics are the Prometheus series exported at /metrics.
type httpMetrics struct {
	authEvents *prometheus.CounterVec
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	f := promauto.With(reg)
	return &httpMetrics{
		authEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskward_auth_events_total",
			Help: "Security audit events by type.",
		}, []string{"event"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskward_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskward_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// instrument records request count and latency per chi route pattern.
// Unmatched requests are labeled "unmatched" to bound cardinality.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		a.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRevocationSpike   AlertType = "revocation_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultRevocationWindow      = time.Minute
	defaultRevocationThreshold   = 100
)

// slidingWindow counts events inside a trailing window and fires once per
// burst that reaches the threshold.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

func (s *slidingWindow) add(now time.Time) (AlertEvent, bool) {
	s.events = append(trimWindow(s.events, now, s.window), now)
	if len(s.events) < s.threshold {
		return AlertEvent{}, false
	}
	e := AlertEvent{
		Type:      s.alert,
		Message:   s.message,
		Count:     len(s.events),
		Threshold: s.threshold,
		Timestamp: now,
	}
	s.events = s.events[:0]
	return e, true
}

// metricsCollector turns audit events into anomaly alerts.
type metricsCollector struct {
	mu          sync.Mutex
	now         func() time.Time
	loginFails  slidingWindow
	revocations slidingWindow
	alertFn     AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now: time.Now,
		loginFails: slidingWindow{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		revocations: slidingWindow{
			alert:     AlertRevocationSpike,
			message:   "revoked token use exceeds threshold",
			window:    defaultRevocationWindow,
			threshold: defaultRevocationThreshold,
		},
		alertFn: alertFn,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var w *slidingWindow
	switch event {
	case AuditLoginFailure, AuditTwoFactorFailure:
		w = &m.loginFails
	case AuditRevokedRedirect:
		w = &m.revocations
	default:
		return
	}

	m.mu.Lock()
	e, fire := w.add(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(e)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
