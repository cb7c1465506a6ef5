// Package metrics registers the Prometheus collectors for the channel
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors observed by the core subsystems.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	HookFailures    prometheus.Counter
	HookTimeouts    prometheus.Counter
	HookDuration    prometheus.Histogram
	LongpollWaiters prometheus.Gauge
	ChannelsCreated prometheus.Counter
	BotsAttached    prometheus.Counter
	InvitesConsumed prometheus.Counter
	Registry        *prometheus.Registry
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mux_messages_total",
			Help: "Messages appended to channel logs, by kind.",
		}, []string{"kind"}),
		HookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mux_hook_failures_total",
			Help: "Bot hook invocations that returned an error.",
		}),
		HookTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mux_hook_timeouts_total",
			Help: "Bot hook invocations aborted by the wall-clock deadline.",
		}),
		HookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mux_hook_duration_seconds",
			Help:    "Wall-clock duration of bot hook invocations.",
			Buckets: prometheus.DefBuckets,
		}),
		LongpollWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mux_longpoll_waiters",
			Help: "sync_messages calls currently blocked on a channel notifier.",
		}),
		ChannelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mux_channels_created_total",
			Help: "Channels created since process start.",
		}),
		BotsAttached: factory.NewCounter(prometheus.CounterOpts{
			Name: "mux_bots_attached_total",
			Help: "Bot attachments since process start.",
		}),
		InvitesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mux_invites_consumed_total",
			Help: "One-time invite codes consumed by joins.",
		}),
	}
}
