package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик медиаконвейеров
type MetricsConfig struct {
	// Enabled включает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр для регистрации. nil означает метрики без регистрации.
	Registerer prometheus.Registerer
}

// Metrics собирает метрики очередей и конвейеров.
// Все методы безопасны для nil получателя, поэтому конвейеры
// вызывают их без проверок.
type Metrics struct {
	framesEnqueued  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	feedUnderflows  prometheus.Counter
	underflowStreak prometheus.Gauge
	sequenceGaps    prometheus.Counter
	codecErrors     *prometheus.CounterVec
	framesEncoded   prometheus.Counter
	framesDecoded   prometheus.Counter
	bitpool         prometheus.Gauge
}

// NewMetrics создает метрики. При выключенной конфигурации возвращает nil.
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil || !config.Enabled {
		return nil
	}

	factory := promauto.With(config.Registerer)
	ns, sub := config.Namespace, config.Subsystem

	return &Metrics{
		framesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frames_enqueued_total",
			Help:      "Media frames accepted by a queue",
		}, []string{"queue"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frames_dropped_total",
			Help:      "Media frames discarded by a queue",
		}, []string{"queue", "reason"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "queue_depth",
			Help:      "Current queue depth in frames",
		}, []string{"queue"}),
		feedUnderflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "feed_underflows_total",
			Help:      "Pacing ticks that ran out of PCM input",
		}),
		underflowStreak: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "feed_underflow_streak",
			Help:      "Consecutive pacing ticks with PCM underflow",
		}),
		sequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sequence_gaps_total",
			Help:      "Inbound media frames with a non-contiguous sequence number",
		}),
		codecErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "codec_errors_total",
			Help:      "Encode and decode failures",
		}, []string{"op"}),
		framesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sbc_frames_encoded_total",
			Help:      "SBC frames produced by the source pipeline",
		}),
		framesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sbc_frames_decoded_total",
			Help:      "SBC frames consumed by the sink pipeline",
		}),
		bitpool: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "encoder_bitpool",
			Help:      "Bitpool currently used by the encoder",
		}),
	}
}

func (m *Metrics) FrameEnqueued(queue string) {
	if m == nil {
		return
	}
	m.framesEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) FrameDropped(queue, reason string) {
	m.FramesDropped(queue, reason, 1)
}

func (m *Metrics) FramesDropped(queue, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDropped.WithLabelValues(queue, reason).Add(float64(n))
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// FeedUnderflow фиксирует тик без данных и текущую длину серии
func (m *Metrics) FeedUnderflow(streak int) {
	if m == nil {
		return
	}
	m.feedUnderflows.Inc()
	m.underflowStreak.Set(float64(streak))
}

func (m *Metrics) ResetUnderflowStreak() {
	if m == nil {
		return
	}
	m.underflowStreak.Set(0)
}

func (m *Metrics) SequenceGap() {
	if m == nil {
		return
	}
	m.sequenceGaps.Inc()
}

func (m *Metrics) CodecError(op string) {
	if m == nil {
		return
	}
	m.codecErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) FramesEncoded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesEncoded.Add(float64(n))
}

func (m *Metrics) FramesDecoded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDecoded.Add(float64(n))
}

func (m *Metrics) SetBitpool(bitpool int) {
	if m == nil {
		return
	}
	m.bitpool.Set(float64(bitpool))
}
