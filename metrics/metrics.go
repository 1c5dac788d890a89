// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections",
		Help: "Live realtime connections.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_events_total",
		Help: "Inbound realtime events by type.",
	}, []string{"type"})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_broadcasts_total",
		Help: "Room broadcasts issued, by room kind.",
	}, []string{"room_kind"})

	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_dropped_sends_total",
		Help: "Frames not delivered because a connection's send queue was full or closed.",
	})

	ChatPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_chat_persist_failures_total",
		Help: "Chat messages broadcast but not persisted.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_rate_limited_total",
		Help: "Chat submissions rejected by the rate limiter.",
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_retention_deleted_total",
		Help: "Chat messages removed by retention, by reason (cap or ttl).",
	}, []string{"reason"})
)
