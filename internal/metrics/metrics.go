package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "learnhub"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"service", "method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "method", "path", "status"})

	httpInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	}, []string{"service"})

	hubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Inbound socket events by name and outcome",
	}, []string{"event", "outcome"})

	hubDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "frames_delivered_total",
		Help:      "Outbound frames enqueued to clients by event name",
	}, []string{"event"})

	slowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "slow_consumer_drops_total",
		Help:      "Clients closed because their send buffer was full",
	})

	outboxOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "outbox_operations_total",
		Help:      "Notification outbox pushes and drained entries",
	}, []string{"op", "outcome"})

	passwordEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "password_evictions_total",
		Help:      "Code-room password entries evicted after the grace period",
	})
)

// HubStats is the point-in-time view exported as gauges.
type HubStats struct {
	Rooms     int `json:"rooms"`
	Clients   int `json:"clients"`
	Passwords int `json:"passwords"`
}

// RegisterHub exports hub gauges read from stats at scrape time.
func RegisterHub(reg prometheus.Registerer, stats func() HubStats) error {
	gauges := []struct {
		name string
		help string
		read func(HubStats) int
	}{
		{"rooms", "Rooms with at least one member", func(s HubStats) int { return s.Rooms }},
		{"clients", "Connected socket clients", func(s HubStats) int { return s.Clients }},
		{"passwords", "Registered code-room passwords", func(s HubStats) int { return s.Passwords }},
	}
	for _, g := range gauges {
		read := g.read
		err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(read(stats())) }))
		if err != nil {
			return fmt.Errorf("register %s gauge: %w", g.name, err)
		}
	}
	return nil
}

func ObserveEvent(event, outcome string) { hubEvents.WithLabelValues(event, outcome).Inc() }

func ObserveDelivery(event string, n int) {
	if n > 0 {
		hubDeliveries.WithLabelValues(event).Add(float64(n))
	}
}

func ObserveSlowConsumer() { slowConsumers.Inc() }

func ObserveOutbox(op, outcome string, n int) {
	if n > 0 {
		outboxOps.WithLabelValues(op, outcome).Add(float64(n))
	}
}

func ObservePasswordEvictions(n int) {
	if n > 0 {
		passwordEvictions.Add(float64(n))
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the websocket upgrade to pass through the middleware.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("realtime metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics with Prometheus labels. Paths are
// labelled by chi route pattern to keep cardinality bounded.
func Middleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			httpInFlight.WithLabelValues(service).Inc()
			defer httpInFlight.WithLabelValues(service).Dec()

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}

			labels := prometheus.Labels{
				"service": service,
				"method":  r.Method,
				"path":    path,
				"status":  strconv.Itoa(rec.status),
			}
			httpRequests.With(labels).Inc()
			httpLatency.With(labels).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
