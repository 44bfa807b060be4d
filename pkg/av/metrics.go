package av

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/a2dp/pkg/control"
	"github.com/arzzra/a2dp/pkg/media"
)

// Metrics метрики автомата соединения
type Metrics struct {
	transitions *prometheus.CounterVec
	acks        *prometheus.CounterVec
	unhandled   *prometheus.CounterVec
	state       prometheus.Gauge
}

// NewMetrics создает метрики сессии. При выключенной конфигурации возвращает nil.
func NewMetrics(config *media.MetricsConfig) *Metrics {
	if config == nil || !config.Enabled {
		return nil
	}
	factory := promauto.With(config.Registerer)
	ns, sub := config.Namespace, config.Subsystem

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions",
		}, []string{"from", "to"}),
		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "command_acks_total",
			Help:      "Control command acknowledgments by command and status",
		}, []string{"command", "status"}),
		unhandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "unhandled_events_total",
			Help:      "Events not handled in the current state",
		}, []string{"state", "event"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state",
			Help:      "Current connection state (0 idle, 1 opening, 2 opened, 3 started, 4 closing)",
		}),
	}
}

func (m *Metrics) Transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	m.state.Set(float64(to))
}

func (m *Metrics) Ack(a control.Ack) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(a.Command.String(), a.Status.String()).Inc()
}

func (m *Metrics) UnhandledEvent(state State, event string) {
	if m == nil {
		return
	}
	m.unhandled.WithLabelValues(state.String(), event).Inc()
}
