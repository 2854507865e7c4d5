package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slabview_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slabview_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	slabHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slabview_slab_hits_total",
		Help: "Slab lookups answered from the slab cache.",
	})

	slabMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slabview_slab_misses_total",
		Help: "Slab lookups that required a storage read.",
	})

	slabReadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slabview_slab_read_failures_total",
		Help: "Storage reads that returned an error.",
	})

	slabReadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "slabview_slab_read_seconds",
		Help:    "Duration of storage reads that populate a slab.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	regionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slabview_region_cache_total",
			Help: "Encoded region response cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(slabHitsTotal)
	prometheus.MustRegister(slabMissesTotal)
	prometheus.MustRegister(slabReadFailuresTotal)
	prometheus.MustRegister(slabReadSeconds)
	prometheus.MustRegister(regionCacheTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncSlabHits() {
	slabHitsTotal.Inc()
}

func IncSlabMisses() {
	slabMissesTotal.Inc()
}

func IncSlabReadFailures() {
	slabReadFailuresTotal.Inc()
}

func ObserveSlabRead(d time.Duration) {
	slabReadSeconds.Observe(d.Seconds())
}

// IncRegionCache records a response cache lookup; result is "hit" or "miss".
func IncRegionCache(result string) {
	regionCacheTotal.WithLabelValues(result).Inc()
}

// normalizeRoute maps request paths onto a fixed label set so raster ids
// don't explode label cardinality.
func normalizeRoute(path string) string {
	switch path {
	case "/", "/healthz", "/metrics", "/api/rasters", "/api/upload":
		return path
	}

	rest, ok := strings.CutPrefix(path, "/api/rasters/")
	if !ok {
		return "other"
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "other"
	}
	switch parts[1] {
	case "meta", "region", "slabs":
		return "/api/rasters/{id}/" + parts[1]
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
