package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitorhub"

// Recorder owns a private Prometheus registry with the HTTP, realtime and
// journal series exported on /metrics.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sessions        prometheus.Gauge
	rooms           prometheus.Gauge
	emissions       *prometheus.CounterVec
	listQueries     *prometheus.CounterVec
	journalWrites   *prometheus.CounterVec
	upgradesLimited prometheus.Counter
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry so tests and parallel
// servers never collide on registration.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	r := &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_sessions",
			Help:      "Currently connected realtime sessions.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_rooms",
			Help:      "Rooms with at least one member.",
		}),
		emissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_emissions_total",
			Help:      "Events emitted to rooms, by event name.",
		}, []string{"event"}),
		listQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_queries_total",
			Help:      "Monitor list queries by outcome.",
		}, []string{"outcome"}),
		journalWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_writes_total",
			Help:      "Error journal appends by outcome.",
		}, []string{"outcome"}),
		upgradesLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_upgrades_limited_total",
			Help:      "Websocket upgrades rejected by the per-address limiter.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide recorder used by components that were not
// handed an explicit one.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Handler exposes the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, normalized).Observe(duration.Seconds())
}

func (r *Recorder) SessionOpened() { r.sessions.Inc() }

func (r *Recorder) SessionClosed() { r.sessions.Dec() }

// SetRooms records the number of non-empty rooms.
func (r *Recorder) SetRooms(n int) { r.rooms.Set(float64(n)) }

func (r *Recorder) ObserveEmission(event string) {
	r.emissions.WithLabelValues(normalizeName(event)).Inc()
}

func (r *Recorder) ObserveListQuery(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.listQueries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveJournalWrite(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.journalWrites.WithLabelValues(outcome).Inc()
}

func (r *Recorder) UpgradeLimited() { r.upgradesLimited.Inc() }

// normalizePath keeps label cardinality bounded: every path the shell handler
// answers collapses into "/".
func normalizePath(path string) string {
	switch {
	case path == "/socket", path == "/healthz", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/static/"):
		return "/static"
	default:
		return "/"
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
