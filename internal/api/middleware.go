package api

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"llamachat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPMetrics are the request counters exported on /metrics.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics creates the collectors and registers them on reg when set.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llamachat",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "llamachat",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// RequestLogger logs each request and records its metrics.
// Paths in skipPaths are excluded from logging but still counted.
func RequestLogger(logger *zap.Logger, metrics *HTTPMetrics, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// route template keeps session ids out of the label set
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		if !skip[c.Request.URL.Path] {
			logger.Info("http request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.String("remote", c.ClientIP()),
			)
		}
		if metrics != nil {
			metrics.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
			metrics.duration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())
		}
	}
}

// RateLimit enforces a per-IP token bucket. rps <= 0 disables it.
func RateLimit(rps float64, burst int, skipPaths ...string) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &ipRateLimiter{rateVal: rate.Limit(rps), burst: burst}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimitEntry
	rateVal  rate.Limit
	burst    int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil {
		l.limiters = make(map[string]*rateLimitEntry)
	}
	e, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.cleanup()
		}
		e = &rateLimitEntry{limiter: rate.NewLimiter(l.rateVal, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// cleanup drops entries idle for 10 minutes. Must be called with l.mu held.
func (l *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// requireCredential rejects submissions to sessions whose token fails the gate.
func (h *Handler) requireCredential() gin.HandlerFunc {
	return func(c *gin.Context) {
		se, err := h.sessions.Get(c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		if !se.Enabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": worker.ErrCredentialRequired.Error()})
			return
		}
		c.Next()
	}
}

// MetricsHandler serves the prometheus exposition format for g.
func MetricsHandler(g prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrCredentialRequired):
		return http.StatusForbidden
	case errors.Is(err, worker.ErrTurnInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrInvalidRequest), isEmptyUtterance(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
