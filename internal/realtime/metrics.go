package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peridot_ws_connections",
		Help: "Open sync sockets",
	})

	groupMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peridot_ws_group_members",
		Help: "Authenticated sockets registered in owner groups",
	})

	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peridot_ws_inbound_messages_total",
		Help: "Inbound socket messages by type and outcome",
	}, []string{"type", "result"})

	fanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peridot_fanout_deliveries_total",
		Help: "Frames accepted by connection queues",
	})

	fanoutDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peridot_fanout_drops_total",
		Help: "Connections dropped because their queue was full or closed",
	})

	fanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peridot_fanout_failures_total",
		Help: "Events that could not be fanned out, by stage",
	}, []string{"stage"})
)
