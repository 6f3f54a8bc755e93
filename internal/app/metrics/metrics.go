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
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetmarket",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetmarket",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// ListingsCreated counts sale listings by kind.
	ListingsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "market",
			Name:      "listings_created_total",
			Help:      "Total number of sale listings created.",
		},
		[]string{"kind"},
	)

	// BidsPlaced counts accepted auction bids.
	BidsPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "market",
			Name:      "bids_placed_total",
			Help:      "Total number of auction bids accepted.",
		},
	)

	// AuctionsExtended counts anti-snipe deadline extensions.
	AuctionsExtended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "market",
			Name:      "auctions_extended_total",
			Help:      "Total number of anti-snipe auction extensions.",
		},
	)

	// Sales counts completed sales by listing kind.
	Sales = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "market",
			Name:      "sales_total",
			Help:      "Total number of completed sales.",
		},
		[]string{"kind"},
	)

	// SaleVolume accumulates sale volume by payment asset.
	SaleVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "market",
			Name:      "sale_volume_total",
			Help:      "Total sale volume by payment asset.",
		},
		[]string{"asset"},
	)

	// RentalsStarted counts rentals by mode (protocol, fleet, p2p).
	RentalsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "rentals",
			Name:      "started_total",
			Help:      "Total number of rentals started.",
		},
		[]string{"mode"},
	)

	// RentalsReturned counts rentals ended by return or reclamation.
	RentalsReturned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "rentals",
			Name:      "returned_total",
			Help:      "Total number of rentals returned.",
		},
	)

	// RentalsCleaned counts rentals reclaimed by cleanup batches.
	RentalsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetmarket",
			Subsystem: "rentals",
			Name:      "cleaned_total",
			Help:      "Total number of expired rentals reclaimed by cleanup.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ListingsCreated,
		BidsPlaced,
		AuctionsExtended,
		Sales,
		SaleVolume,
		RentalsStarted,
		RentalsReturned,
		RentalsCleaned,
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

// canonicalPath collapses id segments so the path label stays low-cardinality.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if _, err := strconv.ParseUint(part, 10, 64); err == nil {
			out = append(out, ":id")
			continue
		}
		out = append(out, part)
	}
	return "/" + strings.Join(out, "/")
}
