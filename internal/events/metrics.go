package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cord",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by type",
	}, []string{"type"})

	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cord",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Events queued to subscribers",
	})

	droppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cord",
		Subsystem: "events",
		Name:      "dropped_subscribers_total",
		Help:      "Subscribers closed because their buffer overflowed",
	})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cord",
		Subsystem: "events",
		Name:      "active_subscribers",
		Help:      "Currently attached subscribers",
	})
)
