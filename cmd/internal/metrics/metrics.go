// Package metrics exposes Prometheus collectors for the client session layer.
//
// All methods are nil-safe so components can run without metrics wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	reg *prometheus.Registry

	refreshes      *prometheus.CounterVec
	replays        *prometheus.CounterVec
	channelState   *prometheus.GaugeVec
	channelDials   *prometheus.CounterVec
	liveChannels   prometheus.Gauge
	notifications  *prometheus.CounterVec
	droppedEvents  *prometheus.CounterVec
	alertUpdates   prometheus.Counter
	sessionChanges *prometheus.CounterVec
}

// New builds a Metrics instance with Go runtime collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Refresh network calls by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_replay_total",
			Help:      "Requests replayed after a credential refresh, by outcome.",
		}, []string{"outcome"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "1 for the current push channel state, 0 otherwise.",
		}, []string{"state"}),
		channelDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_dial_total",
			Help:      "Push channel dial attempts by result.",
		}, []string{"result"}),
		liveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_live_connections",
			Help:      "Adopted push channel transports currently open.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered to the sink, by urgency.",
		}, []string{"urgency"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound channel events dropped, by reason.",
		}, []string{"reason"}),
		alertUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_updates_total",
			Help:      "alert_updated events observed without a notification.",
		}),
		sessionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session context transitions, by target state and cause.",
		}, []string{"state", "cause"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshes,
		m.replays,
		m.channelState,
		m.channelDials,
		m.liveChannels,
		m.notifications,
		m.droppedEvents,
		m.alertUpdates,
		m.sessionChanges,
	)
	return m
}

// Registry returns the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Replay(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

// ChannelState marks state as the only active channel state.
func (m *Metrics) ChannelState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.channelState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ChannelDial(result string) {
	if m == nil {
		return
	}
	m.channelDials.WithLabelValues(result).Inc()
}

func (m *Metrics) LiveChannels(n int64) {
	if m == nil {
		return
	}
	m.liveChannels.Set(float64(n))
}

func (m *Metrics) Notification(urgency string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(urgency).Inc()
}

func (m *Metrics) DroppedEvent(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertUpdate() {
	if m == nil {
		return
	}
	m.alertUpdates.Inc()
}

func (m *Metrics) SessionTransition(state, cause string) {
	if m == nil {
		return
	}
	m.sessionChanges.WithLabelValues(state, cause).Inc()
}
