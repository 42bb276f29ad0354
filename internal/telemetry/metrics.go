// Package telemetry provides Prometheus instrumentation for the feed
// coordinator and the change feed server.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// FeedMetrics holds the instruments for the synchronization coordinator.
// A nil *FeedMetrics is valid and records nothing.
type FeedMetrics struct {
	fetches             *prometheus.CounterVec
	triggers            *prometheus.CounterVec
	filteredEvents      prometheus.Counter
	deliveries          prometheus.Counter
	broadcasts          *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
}

// NewFeedMetrics creates and registers the coordinator instruments.
// If reg is nil, it returns nil (no-op metrics).
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	if reg == nil {
		return nil
	}

	m := &FeedMetrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fetches_total",
			Help:      "Authoritative snapshot fetches by result.",
		}, []string{"result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "triggers_total",
			Help:      "Refetch triggers by outcome.",
		}, []string{"outcome"}),
		filteredEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "filtered_events_total",
			Help:      "Change events dropped because the subject does not own them.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "deliveries_total",
			Help:      "Reconciled lists delivered to subscribers.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "broadcasts_total",
			Help:      "Cross-replica notices by direction.",
		}, []string{"direction"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "active_subscriptions",
			Help:      "Subjects with a live subscription.",
		}),
	}

	reg.MustRegister(m.fetches, m.triggers, m.filteredEvents, m.deliveries, m.broadcasts, m.activeSubscriptions)
	return m
}

// FetchCompleted records the result of one snapshot fetch.
func (m *FeedMetrics) FetchCompleted(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.fetches.WithLabelValues(result).Inc()
}

// TriggerScheduled records a trigger that (re)armed the debounce timer.
func (m *FeedMetrics) TriggerScheduled() {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues("scheduled").Inc()
}

// TriggerCoalesced records a trigger absorbed by an in-flight fetch.
func (m *FeedMetrics) TriggerCoalesced() {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues("coalesced").Inc()
}

// EventFiltered records a change event rejected by the ownership filter.
func (m *FeedMetrics) EventFiltered() {
	if m == nil {
		return
	}
	m.filteredEvents.Inc()
}

// Delivered records one onUpdate delivery.
func (m *FeedMetrics) Delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

// Broadcast records a cross-replica notice; direction is sent, received or suppressed.
func (m *FeedMetrics) Broadcast(direction string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(direction).Inc()
}

// SubscriptionOpened increments the active subscription gauge.
func (m *FeedMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

// SubscriptionClosed decrements the active subscription gauge.
func (m *FeedMetrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

// ServerMetrics holds the instruments for the change feed server.
// A nil *ServerMetrics is valid and records nothing.
type ServerMetrics struct {
	changeEvents    *prometheus.CounterVec
	feedConnections prometheus.Gauge
	laggedListeners prometheus.Counter
}

// NewServerMetrics creates and registers the server instruments.
// If reg is nil, it returns nil (no-op metrics).
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	if reg == nil {
		return nil
	}

	m := &ServerMetrics{
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "change_events_total",
			Help:      "Committed change log entries by table and operation.",
		}, []string{"table", "operation"}),
		feedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "feed_connections",
			Help:      "Open change feed websocket connections.",
		}),
		laggedListeners: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "lagged_listeners_total",
			Help:      "Change feed listeners dropped for falling behind.",
		}),
	}

	reg.MustRegister(m.changeEvents, m.feedConnections, m.laggedListeners)
	return m
}

// ChangeEvent records one committed change log entry.
func (m *ServerMetrics) ChangeEvent(table, operation string) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(table, operation).Inc()
}

// FeedConnected increments the open connection gauge.
func (m *ServerMetrics) FeedConnected() {
	if m == nil {
		return
	}
	m.feedConnections.Inc()
}

// FeedDisconnected decrements the open connection gauge.
func (m *ServerMetrics) FeedDisconnected() {
	if m == nil {
		return
	}
	m.feedConnections.Dec()
}

// ListenerLagged records a listener dropped for overflowing its buffer.
func (m *ServerMetrics) ListenerLagged() {
	if m == nil {
		return
	}
	m.laggedListeners.Inc()
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
