package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests, by service, route and status.",
		},
		[]string{"service", "route", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xmppctl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds, by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "route"},
	)
	adminActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "admin",
			Name:      "actions_total",
			Help:      "Session control actions (connect, disconnect, ping), by outcome.",
		},
		[]string{"action", "outcome"},
	)
	stanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "stream",
			Name:      "stanzas_total",
			Help:      "Stanzas written or read, by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	smAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "sm",
			Name:      "acks_total",
			Help:      "Stream management acks, by direction.",
		},
		[]string{"direction"},
	)
	smUnacked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmppctl",
			Subsystem: "sm",
			Name:      "unacked_stanzas",
			Help:      "Outbound stanzas awaiting acknowledgement.",
		},
	)
	resumptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "sm",
			Name:      "resumptions_total",
			Help:      "Stream resumption attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnect decisions, by cause and whether a retry was scheduled.",
		},
		[]string{"cause", "scheduled"},
	)
	connState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmppctl",
			Subsystem: "session",
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 disconnecting.",
		},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "requests",
			Name:      "resolved_total",
			Help:      "Correlated requests, by outcome.",
		},
		[]string{"outcome"},
	)
	requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xmppctl",
			Subsystem: "requests",
			Name:      "latency_seconds",
			Help:      "Time from submit to resolution in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	negotiationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmppctl",
			Subsystem: "session",
			Name:      "negotiation_failures_total",
			Help:      "Failed stream negotiations, by step and fatality.",
		},
		[]string{"step", "fatal"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			adminRequests, adminDuration, adminActions,
			stanzas, smAcks, smUnacked, resumptions,
			reconnects, connState, requests, requestLatency, negotiationFailures,
		)
	})
}

// RecordAdminRequest counts one admin request; route is "METHOD /path".
func RecordAdminRequest(service, route string, status int, duration time.Duration) {
	RegisterMetrics()
	adminRequests.WithLabelValues(service, route, strconv.Itoa(status)).Inc()
	adminDuration.WithLabelValues(service, route).Observe(duration.Seconds())
}

func RecordAdminAction(action, outcome string) {
	RegisterMetrics()
	adminActions.WithLabelValues(action, outcome).Inc()
}

// RecordStanza counts one stanza; direction is "in" or "out".
func RecordStanza(direction, kind string) {
	RegisterMetrics()
	stanzas.WithLabelValues(direction, kind).Inc()
}

func RecordAck(direction string) {
	RegisterMetrics()
	smAcks.WithLabelValues(direction).Inc()
}

func SetUnacked(n int) {
	RegisterMetrics()
	smUnacked.Set(float64(n))
}

func RecordResumption(outcome string) {
	RegisterMetrics()
	resumptions.WithLabelValues(outcome).Inc()
}

func RecordReconnect(cause string, scheduled bool) {
	RegisterMetrics()
	reconnects.WithLabelValues(cause, strconv.FormatBool(scheduled)).Inc()
}

func SetConnectionState(state int) {
	RegisterMetrics()
	connState.Set(float64(state))
}

func RecordRequest(outcome string, latency time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(outcome).Inc()
	requestLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func RecordNegotiationFailure(step string, fatal bool) {
	RegisterMetrics()
	negotiationFailures.WithLabelValues(step, strconv.FormatBool(fatal)).Inc()
}
