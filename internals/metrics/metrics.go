package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as label values.
const (
	ReasonBufferFull    = "buffer_full"
	ReasonClosed        = "closed"
	ReasonUnknownTarget = "unknown_target"
	ReasonNoTarget      = "no_target"
	ReasonStale         = "stale"
)

// Metrics groups the relay's collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	// Lifecycle
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Room store
	ActiveRooms        prometheus.Gauge
	ActiveParticipants prometheus.Gauge
	JoinsTotal         *prometheus.CounterVec

	// Traffic
	EventsReceived       *prometheus.CounterVec
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	FanOutSize           prometheus.Histogram
	RateLimitedTotal     prometheus.Counter

	// Signaling
	SignalsRelayed *prometheus.CounterVec
	SignalsDropped *prometheus.CounterVec
	CallsCancelled prometheus.Counter
}

// New registers the relay collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "plaza_active_connections",
			Help: "Number of live client connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "plaza_connections_total",
			Help: "Total number of accepted connections",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "plaza_active_rooms",
			Help: "Number of non-empty rooms",
		}),
		ActiveParticipants: f.NewGauge(prometheus.GaugeOpts{
			Name: "plaza_active_participants",
			Help: "Number of participants across all rooms",
		}),
		JoinsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_joins_total",
			Help: "Room joins by kind",
		}, []string{"kind"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_events_received_total",
			Help: "Client events received by type",
		}, []string{"event"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_notifications_sent_total",
			Help: "Presence notifications enqueued by type",
		}, []string{"event"}),
		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_notifications_dropped_total",
			Help: "Outbound messages dropped before reaching a connection",
		}, []string{"reason"}),
		FanOutSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "plaza_fanout_size",
			Help:    "Recipients per presence notification",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "plaza_rate_limited_total",
			Help: "Client events rejected by the rate limiter",
		}),
		SignalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_signals_relayed_total",
			Help: "Signaling messages forwarded by type",
		}, []string{"event"}),
		SignalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plaza_signals_dropped_total",
			Help: "Signaling messages dropped by reason",
		}, []string{"reason"}),
		CallsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "plaza_calls_cancelled_total",
			Help: "Calls cancelled because a party disconnected",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) ParticipantAdded() {
	if m == nil {
		return
	}
	m.ActiveParticipants.Inc()
}

func (m *Metrics) ParticipantRemoved() {
	if m == nil {
		return
	}
	m.ActiveParticipants.Dec()
}

func (m *Metrics) RecordJoin(rejoin bool) {
	if m == nil {
		return
	}
	kind := "first"
	if rejoin {
		kind = "rejoin"
	}
	m.JoinsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordFanOut(event string, sent int) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(event).Add(float64(sent))
	m.FanOutSize.Observe(float64(sent))
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) RecordSignal(event string) {
	if m == nil {
		return
	}
	m.SignalsRelayed.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordSignalDrop(reason string) {
	if m == nil {
		return
	}
	m.SignalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCallCancelled() {
	if m == nil {
		return
	}
	m.CallsCancelled.Inc()
}
