// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panel"

var (
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms currently registered.",
	})
	Members = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "room_members",
		Help:      "Clients currently joined to a room.",
	})
	SignalConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signal_connections",
		Help:      "Open signalling connections.",
	})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_requests_total",
		Help:      "Signalling requests by type and result.",
	}, []string{"type", "result"})
	DominantSpeakerChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dominant_speaker_changes_total",
		Help:      "Dominance events that changed a room ranking.",
	})
	ConsumerBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_builds_total",
		Help:      "Receive paths clients were asked to build.",
	})
	Backpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_backpressure_total",
		Help:      "Frames that could not be queued, by action taken.",
	}, []string{"action"})
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_messages_total",
		Help:      "Chat messages accepted.",
	})
)

// ObserveWorker exports a worker's cumulative resource usage.
func ObserveWorker(id int, usage func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "worker_usage_seconds",
		Help:        "Cumulative media worker CPU time.",
		ConstLabels: prometheus.Labels{"worker": strconv.Itoa(id)},
	}, usage)
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
