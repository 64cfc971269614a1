package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxAPILabels bounds the distinct api label values; later apis are
// counted under otherAPI. Call paths can come from untrusted HTTP input.
const (
	maxAPILabels = 64
	otherAPI     = "other"
)

var (
	registerOnce sync.Once
	apiLabels    = newLabelSet(maxAPILabels)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Verb calls by api and outcome.",
		},
		[]string{"api", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Verb call latency from issue to resolution, gating included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"api", "outcome"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "events_total",
			Help:      "Inbound events by api.",
		},
		[]string{"api"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the transport session is open.",
		},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions by target state.",
		},
		[]string{"state"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "afb",
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by result.",
		},
		[]string{"exhausted"},
	)
	bridgePublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "afb",
			Subsystem: "bridge",
			Name:      "published_total",
			Help:      "Events republished by the bridge.",
		},
		[]string{"api", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			callsTotal, callDuration, eventsTotal, connected,
			transitionsTotal, reconnectAttempts, bridgePublished,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

type labelSet struct {
	mu    sync.Mutex
	seen  map[string]bool
	limit int
}

func newLabelSet(limit int) *labelSet {
	return &labelSet{seen: make(map[string]bool), limit: limit}
}

// value returns api while fewer than limit values are known, otherAPI after.
func (l *labelSet) value(api string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[api] {
		return api
	}
	if len(l.seen) >= l.limit {
		return otherAPI
	}
	l.seen[api] = true
	return api
}

func RecordCall(api, outcome string, duration time.Duration) {
	RegisterMetrics()
	api = apiLabels.value(api)
	callsTotal.WithLabelValues(api, outcome).Inc()
	callDuration.WithLabelValues(api, outcome).Observe(duration.Seconds())
}

func RecordEvent(api string) {
	RegisterMetrics()
	api = apiLabels.value(api)
	eventsTotal.WithLabelValues(api).Inc()
}

func RecordTransition(state string, isConnected bool) {
	RegisterMetrics()
	transitionsTotal.WithLabelValues(state).Inc()
	if isConnected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

func RecordReconnectAttempt(exhausted bool) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(strconv.FormatBool(exhausted)).Inc()
}

func RecordBridgePublish(api string, success bool) {
	RegisterMetrics()
	api = apiLabels.value(api)
	bridgePublished.WithLabelValues(api, strconv.FormatBool(success)).Inc()
}
