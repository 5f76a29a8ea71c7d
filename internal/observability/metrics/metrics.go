package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MessagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored message rows.",
		},
		[]string{"side"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Envelope sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
	)

	MessageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_history_fetched_total",
			Help: "Total number of history fetch operations.",
		},
		[]string{"scope"},
	)

	MirrorInconsistenciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_inconsistencies_total",
			Help: "Conversation pairs found with one side missing.",
		},
		[]string{"op"},
	)

	DeliveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_transitions_total",
			Help: "Delivery state transitions applied to message rows.",
		},
		[]string{"state", "trigger"},
	)

	WSSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Currently registered websocket sessions.",
		},
	)

	EventsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_pushed_total",
			Help: "Outbound realtime events by type and result.",
		},
		[]string{"type", "result"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Token and device authentication attempts.",
		},
		[]string{"method", "result"},
	)
)

// MustRegister registers every collector on the default registry, labelled
// with serviceName. Collectors are usable before registration.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesStoredTotal,
		MessagesCiphertextBytes,
		MessageHistoryFetchedTotal,
		MirrorInconsistenciesTotal,
		DeliveryTransitionsTotal,
		WSSessionsActive,
		EventsPushedTotal,
		AuthenticationAttemptsTotal,
	)
}
