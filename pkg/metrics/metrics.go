package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_login_attempts_total",
		Help: "Total number of device login attempts grouped by result",
	}, []string{"result"})
	LoginDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ssoctl_login_duration_seconds",
		Help:    "Wall-clock duration of successful device logins",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})
	ClientRegistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_client_registrations_total",
		Help: "Total number of OAuth client registrations grouped by result",
	}, []string{"result"})
	// outcome is one of token, pending, slow_down, expired, error.
	DevicePollAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_device_poll_attempts_total",
		Help: "Total number of device token polls grouped by outcome",
	}, []string{"outcome"})

	SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_session_events_total",
		Help: "Total number of session lifecycle transitions",
	}, []string{"event"})
	SessionRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ssoctl_session_remaining_seconds",
		Help: "Seconds until the current session window closes",
	})

	BrokerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_broker_requests_total",
		Help: "Total number of entitlement API requests grouped by family and result",
	}, []string{"family", "result"})
	BrokerThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_broker_throttled_total",
		Help: "Total number of throttled entitlement API requests",
	}, []string{"family"})
	BrokerDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_broker_deduplicated_total",
		Help: "Total number of calls that joined an identical in-flight request",
	}, []string{"family"})

	RateLimitWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ssoctl_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the endpoint family rate limiter",
		Buckets: []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"family"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_events_published_total",
		Help: "Total number of session events written to a sink",
	}, []string{"sink"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_events_dropped_total",
		Help: "Total number of session events dropped because the queue was full",
	}, []string{"reason"})
	EventSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoctl_event_sink_errors_total",
		Help: "Total number of event sink write failures",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(LoginAttempts)
	prometheus.MustRegister(LoginDuration)
	prometheus.MustRegister(ClientRegistrations)
	prometheus.MustRegister(DevicePollAttempts)
	prometheus.MustRegister(SessionEvents)
	prometheus.MustRegister(SessionRemaining)
	prometheus.MustRegister(BrokerRequests)
	prometheus.MustRegister(BrokerThrottled)
	prometheus.MustRegister(BrokerDeduplicated)
	prometheus.MustRegister(RateLimitWait)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventSinkErrors)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
