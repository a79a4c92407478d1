package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the realtime core collectors.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Rooms       prometheus.Gauge

	Inbound  *prometheus.CounterVec
	Outbound *prometheus.CounterVec
	Errors   *prometheus.CounterVec

	SlowConsumerKicks       prometheus.Counter
	RateLimited             prometheus.Counter
	PresencePersistFailures prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg.
// A nil reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "connections",
			Help: "Live websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "online_users",
			Help: "Users with at least one registered connection.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "rooms",
			Help: "Conversation rooms with at least one joined connection.",
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "inbound_events_total",
			Help: "Inbound events accepted for dispatch, by type.",
		}, []string{"type"}),
		Outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "outbound_events_total",
			Help: "Envelopes enqueued to connections, by type.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "errors_total",
			Help: "Scoped error envelopes sent, by code.",
		}, []string{"code"}),
		SlowConsumerKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "slow_consumer_kicks_total",
			Help: "Connections dropped because their send queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "rate_limited_total",
			Help: "Connections closed for exceeding the event rate.",
		}),
		PresencePersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "realtime", Name: "presence_persist_failures_total",
			Help: "Presence transitions that failed to reach the durable mirror.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections, m.OnlineUsers, m.Rooms,
			m.Inbound, m.Outbound, m.Errors,
			m.SlowConsumerKicks, m.RateLimited, m.PresencePersistFailures,
		)
	}
	return m
}
