// Package metrics exposes Prometheus collectors for room sessions.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "codeshare").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors.
type Metrics struct {
	activeRooms    prometheus.Gauge
	activeClients  prometheus.Gauge
	roomsCreated   prometheus.Counter
	roomsDisposed  prometheus.Counter
	edits          *prometheus.CounterVec
	selections     prometheus.Counter
	broadcasts     *prometheus.CounterVec
	saves          *prometheus.CounterVec
	saveDuration   prometheus.Histogram
	rejectedJoins  *prometheus.CounterVec
	droppedClients prometheus.Counter
}

// New registers the collectors on the configured registry.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "codeshare",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Metrics{
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_rooms",
			Help:      "Rooms currently registered in the room manager",
		}),
		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_clients",
			Help:      "Clients currently joined to a room",
		}),
		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rooms_opened_total",
			Help:      "Rooms registered, by creation or rehydration",
		}),
		roomsDisposed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rooms_disposed_total",
			Help:      "Rooms removed from the room manager",
		}),
		edits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "edits_total",
			Help:      "Edit submissions by outcome",
		}, []string{"outcome"}),
		selections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "selections_total",
			Help:      "Selection updates relayed",
		}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_sent_total",
			Help:      "Messages enqueued to clients by type",
		}, []string{"type"}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves by result",
		}, []string{"result"}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save latency",
			Buckets:   prometheus.DefBuckets,
		}),
		rejectedJoins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rejected_joins_total",
			Help:      "Join attempts rejected by reason",
		}, []string{"reason"}),
		droppedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dropped_clients_total",
			Help:      "Clients removed because their send buffer was full",
		}),
	}
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
	m.activeRooms.Inc()
}

func (m *Metrics) RoomDisposed() {
	if m == nil {
		return
	}
	m.roomsDisposed.Inc()
	m.activeRooms.Dec()
}

func (m *Metrics) ClientJoined() {
	if m == nil {
		return
	}
	m.activeClients.Inc()
}

func (m *Metrics) ClientLeft() {
	if m == nil {
		return
	}
	m.activeClients.Dec()
}

// EditAccepted and EditDropped count edit outcomes.
func (m *Metrics) EditAccepted() {
	if m == nil {
		return
	}
	m.edits.WithLabelValues("accepted").Inc()
}

func (m *Metrics) EditDropped() {
	if m == nil {
		return
	}
	m.edits.WithLabelValues("noop").Inc()
}

func (m *Metrics) SelectionRelayed() {
	if m == nil {
		return
	}
	m.selections.Inc()
}

// MessagesSent counts n messages of the given type enqueued for delivery.
func (m *Metrics) MessagesSent(msgType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.broadcasts.WithLabelValues(msgType).Add(float64(n))
}

// SaveObserved records one snapshot save attempt.
func (m *Metrics) SaveObserved(seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(result).Inc()
	m.saveDuration.Observe(seconds)
}

func (m *Metrics) JoinRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedJoins.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClientDropped() {
	if m == nil {
		return
	}
	m.droppedClients.Inc()
}
