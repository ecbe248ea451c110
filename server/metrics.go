package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oauth2d/oauth"
)

// Metrics holds the Prometheus collectors for the server.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	oauthErrors *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	handler     http.Handler
}

// NewMetrics registers collectors on reg. A nil reg gets a private registry.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth2d_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauth2d_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth2d_tokens_issued_total",
			Help: "Access tokens issued by grant type.",
		}, []string{"grant_type"}),
		oauthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth2d_oauth_errors_total",
			Help: "OAuth protocol errors by endpoint and error code.",
		}, []string{"endpoint", "error"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth2d_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"path"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.tokens, m.oauthErrors, m.rateLimited} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m, nil
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler { return m.handler }

// Middleware records request counts and latency labelled by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// TokenIssued counts a successful token response.
func (m *Metrics) TokenIssued(grantType string) {
	if m != nil {
		m.tokens.WithLabelValues(grantType).Inc()
	}
}

// OAuthError counts a protocol error surfaced by endpoint.
func (m *Metrics) OAuthError(endpoint string, err error) {
	if m == nil {
		return
	}
	code := oauth.ErrorCodeServerError
	var oe *oauth.Error
	if errors.As(err, &oe) {
		code = oe.Code
	}
	m.oauthErrors.WithLabelValues(endpoint, code).Inc()
}

// RateLimited counts a throttled request.
func (m *Metrics) RateLimited(path string) {
	if m != nil {
		m.rateLimited.WithLabelValues(path).Inc()
	}
}

// registerCollector registers c, tolerating an identical prior registration.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
