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

	MessagesPostedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_messages_posted_total",
			Help: "Messages published, by result.",
		},
		[]string{"result"},
	)

	BusGetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_bus_gets_total",
			Help: "Bus and channel reads, by kind and sticky filter.",
		},
		[]string{"kind", "sticky"},
	)

	GetMessagesSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backplane_get_messages_seconds",
			Help:    "Time spent selecting messages from the store.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PayloadSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backplane_get_payload_size_bytes",
			Help:    "Size of serialized message frames returned to readers.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	MessagesPerChannel = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backplane_messages_per_channel",
			Help:    "Messages already in a channel when a publish arrives.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_tokens_issued_total",
			Help: "Token endpoint outcomes, by token type and result.",
		},
		[]string{"type", "result"},
	)

	TokensRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_tokens_revoked_total",
			Help: "Tokens deleted, by reason.",
		},
		[]string{"reason"},
	)

	CodesRedeemedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_codes_redeemed_total",
			Help: "Authorization code redemptions, by result.",
		},
		[]string{"result"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_auth_failures_total",
			Help: "Basic-Auth bus permission failures.",
		},
		[]string{"permission"},
	)

	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_task_runs_total",
			Help: "Background task runs, by task and result.",
		},
		[]string{"task", "result"},
	)
)

// MustRegister registers every collector with the default registry, each
// series labelled with the service name.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesPostedTotal,
		BusGetsTotal,
		GetMessagesSeconds,
		PayloadSizeBytes,
		MessagesPerChannel,
		TokensIssuedTotal,
		TokensRevokedTotal,
		CodesRedeemedTotal,
		AuthFailuresTotal,
		TaskRunsTotal,
	)
}
