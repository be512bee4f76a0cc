// Package metrics instruments the HTTP layer and database pool. Domain
// counters live next to the code they measure (internal/deal,
// internal/notify, internal/watcher, internal/webhooks).
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern, and status class.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// One gauge per pool statistic, labelled by stat name so dashboards can
	// template over them.
	dbPool = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "db_pool",
		Help:      "Database pool statistics (open, idle, in_use, wait_count, wait_seconds).",
	}, []string{"stat"})

	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "goroutines",
		Help:      "Current goroutine count.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, dbPool, goroutines)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count every
// interval until ctx ends. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(db.Stats())
		}
	}
}

func sample(stats sql.DBStats) {
	dbPool.WithLabelValues("open").Set(float64(stats.OpenConnections))
	dbPool.WithLabelValues("idle").Set(float64(stats.Idle))
	dbPool.WithLabelValues("in_use").Set(float64(stats.InUse))
	dbPool.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	dbPool.WithLabelValues("wait_seconds").Set(stats.WaitDuration.Seconds())
	goroutines.Set(float64(runtime.NumGoroutine()))
}

// Middleware records per-request counters and latency. Routes are labelled
// by gin's route pattern, never the raw URL, to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		httpDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, path,
			statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	}
	return "5xx"
}
