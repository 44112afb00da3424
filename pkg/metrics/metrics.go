// Package metrics exposes Prometheus collectors for the provisioning
// controller: session outcomes, channel health, and poll activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles the collectors for one controller instance.
type Set struct {
	SessionsStarted prometheus.Counter
	SessionsReady   prometheus.Counter
	SessionsFailed  *prometheus.CounterVec // by error kind
	Retries         prometheus.Counter

	ChannelReconnects prometheus.Counter
	ChannelDegraded   prometheus.Counter

	PollTicks    prometheus.Counter
	PollFailures prometheus.Counter

	TimeToReady prometheus.Histogram
}

// New registers the collector set with reg. Pass prometheus.DefaultRegisterer
// for process-global metrics or a fresh registry in tests.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_sessions_started_total",
			Help: "Provisioning attempts started, including retries.",
		}),
		SessionsReady: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_sessions_ready_total",
			Help: "Provisioning attempts that reached the ready state.",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_sessions_failed_total",
			Help: "Provisioning attempts that ended in error, by kind.",
		}, []string{"kind"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_session_retries_total",
			Help: "Caller-initiated retries after a failed attempt.",
		}),
		ChannelReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_channel_reconnects_total",
			Help: "Event channel disconnects that entered reconnect backoff.",
		}),
		ChannelDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_channel_degraded_total",
			Help: "Sessions that lost the event channel and fell back to polling only.",
		}),
		PollTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_poll_ticks_total",
			Help: "Readiness checks performed by the poller.",
		}),
		PollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_poll_failures_total",
			Help: "Transient readiness check failures.",
		}),
		TimeToReady: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "provisioner_time_to_ready_seconds",
			Help:    "Wall-clock time from trigger to ready.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~17m
		}),
	}
}
