package metrics

import (
	"bufio"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kipubank",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kipubank",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kipubank",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	custodyOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kipubank",
			Subsystem: "custody",
			Name:      "operations_total",
			Help:      "Total number of custody operations by outcome.",
		},
		[]string{"operation", "result"},
	)

	custodyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kipubank",
			Subsystem: "custody",
			Name:      "operation_duration_seconds",
			Help:      "Duration of custody operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	bankGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kipubank",
			Subsystem: "custody",
			Name:      "bank_normalized",
			Help:      "Cap and running deposited total in normalized units.",
		},
		[]string{"field"},
	)

	priceRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kipubank",
			Subsystem: "pricefeed",
			Name:      "refreshes_total",
			Help:      "Total number of price fetch attempts.",
		},
		[]string{"feed", "success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		custodyOperations,
		custodyDuration,
		bankGauge,
		priceRefreshes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOperation records the outcome of a custody operation. result is
// "ok" or a short error class.
func RecordOperation(operation, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	custodyOperations.WithLabelValues(operation, result).Inc()
	custodyDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBankState publishes the cap and running total.
func SetBankState(capNormalized, totalNormalized *big.Int) {
	bankGauge.WithLabelValues("cap").Set(toFloat(capNormalized))
	bankGauge.WithLabelValues("total_deposited").Set(toFloat(totalNormalized))
}

// RecordPriceRefresh records a price fetch attempt.
func RecordPriceRefresh(feed string, success bool) {
	if feed == "" {
		feed = "unknown"
	}
	priceRefreshes.WithLabelValues(feed, strconv.FormatBool(success)).Inc()
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[1] {
	case "balances":
		if len(parts) > 2 {
			return "/v1/balances/:asset"
		}
	case "admin":
		if len(parts) > 2 {
			switch parts[2] {
			case "assets":
				return "/v1/admin/assets/:asset/precision"
			case "roles":
				return "/v1/admin/roles/:role/:principal"
			}
			return "/v1/admin/" + parts[2]
		}
	}
	return "/v1/" + parts[1]
}
