// Package metrics holds the Prometheus collectors of the group-session core.
//
// A nil *Metrics is valid and records nothing, so components can run without
// a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "groupcrypt"

// Metrics is one device's set of collectors.
type Metrics struct {
	SessionsCreatedTotal   prometheus.Counter
	SessionRotationsTotal  *prometheus.CounterVec
	RoomKeysSharedTotal    prometheus.Counter
	WithheldNoticesTotal   *prometheus.CounterVec
	ForwardedKeysTotal     *prometheus.CounterVec
	DecryptionFailureTotal *prometheus.CounterVec
	ChannelsTotal          *prometheus.CounterVec
	PendingEvents          prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sessions_created_total",
			Help:      "Total number of outbound Megolm sessions created.",
		}),
		SessionRotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_session_rotations_total",
			Help:      "Outbound session rotations by reason.",
		}, []string{"reason"}),
		RoomKeysSharedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_keys_shared_total",
			Help:      "Total number of devices sent an m.room_key.",
		}),
		WithheldNoticesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withheld_notices_total",
			Help:      "Withheld notices sent by code.",
		}, []string{"code"}),
		ForwardedKeysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_keys_total",
			Help:      "Forwarded room keys by outcome.",
		}, []string{"outcome"}),
		DecryptionFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Room event decryption failures by code.",
		}, []string{"code"}),
		ChannelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairwise_channels_total",
			Help:      "Pairwise channel establishment attempts by result.",
		}, []string{"result"}),
		PendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Encrypted room events waiting for keys.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsCreatedTotal,
			m.SessionRotationsTotal,
			m.RoomKeysSharedTotal,
			m.WithheldNoticesTotal,
			m.ForwardedKeysTotal,
			m.DecryptionFailureTotal,
			m.ChannelsTotal,
			m.PendingEvents,
		)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreatedTotal.Inc()
	}
}

func (m *Metrics) Rotated(reason string) {
	if m != nil {
		m.SessionRotationsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) KeysShared(n int) {
	if m != nil {
		m.RoomKeysSharedTotal.Add(float64(n))
	}
}

func (m *Metrics) Withheld(code string, n int) {
	if m != nil {
		m.WithheldNoticesTotal.WithLabelValues(code).Add(float64(n))
	}
}

func (m *Metrics) Forwarded(outcome string) {
	if m != nil {
		m.ForwardedKeysTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DecryptionFailed(code string) {
	if m != nil {
		m.DecryptionFailureTotal.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Channels(result string, n int) {
	if m != nil && n > 0 {
		m.ChannelsTotal.WithLabelValues(result).Add(float64(n))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingEvents.Set(float64(n))
	}
}
