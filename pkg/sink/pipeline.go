// Package sink реализует конвейер приемника A2DP: ограниченную очередь приема,
// пакетное декодирование по порогу заполнения и контроль непрерывности
// номеров последовательности.
package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/media"
)

// Значения по умолчанию
const (
	DefaultRxQueueSize = 20
	DefaultWatermark   = 5

	// maxPCMPerFrame наибольший PCM одного кадра SBC: 16 блоков, 8 полос, 2 канала
	maxPCMPerFrame = 16 * 8 * 2 * 2
)

// PCMSink получает декодированный PCM.
// Срез действителен только на время вызова Deliver: буфер переиспользуется
// при следующем декодировании, получатель копирует данные, если хранит их.
type PCMSink interface {
	Deliver(pcm []byte)
}

// DrainScheduler ставит обработку очереди в контекст обработчика.
// Вызывается из контекста транспорта.
type DrainScheduler interface {
	ScheduleDrain()
}

// AudioConfig параметры декодированного потока
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Config параметры конвейера приемника
type Config struct {
	RxQueueSize int
	Watermark   int
}

func DefaultConfig() Config {
	return Config{RxQueueSize: DefaultRxQueueSize, Watermark: DefaultWatermark}
}

// Options зависимости конвейера
type Options struct {
	Config    Config
	Decoder   codec.Decoder
	Sink      PCMSink
	Scheduler DrainScheduler
	Logger    logging.Logger
	Metrics   *media.Metrics
}

// Pipeline конвейер приемника.
// Enqueue и Receive безопасны из контекста транспорта, остальные методы
// вызываются только из контекста обработчика.
type Pipeline struct {
	cfg     Config
	decoder codec.Decoder
	sink    PCMSink
	sched   DrainScheduler
	logger  logging.Logger
	metrics *media.Metrics

	queue          atomic.Pointer[media.Queue]
	rxFlush        atomic.Bool
	drainScheduled atomic.Bool
	cpActive       atomic.Bool

	expectedSeq uint16
	hasBaseline bool

	audio          AudioConfig
	framesPerDrain int
	pcm            []byte
	out            []byte
}

// NewPipeline создает конвейер. Очередь приема создается при старте.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Decoder == nil {
		return nil, fmt.Errorf("не задан декодер")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("не задан получатель PCM")
	}
	cfg := opts.Config
	if cfg.RxQueueSize <= 0 {
		cfg.RxQueueSize = DefaultRxQueueSize
	}
	if cfg.Watermark <= 0 || cfg.Watermark > cfg.RxQueueSize {
		cfg.Watermark = min(DefaultWatermark, cfg.RxQueueSize)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Pipeline{
		cfg:            cfg,
		decoder:        opts.Decoder,
		sink:           opts.Sink,
		sched:          opts.Scheduler,
		logger:         opts.Logger.WithComponent("sink"),
		metrics:        opts.Metrics,
		audio:          AudioConfig{SampleRate: 44100, Channels: 2},
		framesPerDrain: 7,
		pcm:            make([]byte, maxPCMPerFrame),
	}, nil
}

// Start создает очередь приема
func (p *Pipeline) Start(ctx context.Context) {
	if p.queue.Load() != nil {
		return
	}
	p.queue.Store(media.NewQueue(media.QueueConfig{
		Name:     "rx",
		Capacity: p.cfg.RxQueueSize,
		Policy:   media.RejectNewest,
		Metrics:  p.metrics,
	}))
	p.drainScheduled.Store(false)
	p.hasBaseline = false
	p.logger.Debug(ctx, "очередь приема создана", logging.Int("capacity", p.cfg.RxQueueSize))
}

// Stop освобождает очередь приема вместе с непрочитанными кадрами.
// Возвращает true, если очередь существовала.
func (p *Pipeline) Stop(ctx context.Context) bool {
	q := p.queue.Swap(nil)
	if q == nil {
		return false
	}
	dropped := q.Flush()
	p.logger.Debug(ctx, "очередь приема освобождена", logging.Int("dropped", dropped))
	return true
}

// Running true пока очередь приема существует
func (p *Pipeline) Running() bool {
	return p.queue.Load() != nil
}

// SetContentProtection сообщает, что входящие пакеты несут байт SCMS-T
func (p *Pipeline) SetContentProtection(active bool) {
	p.cpActive.Store(active)
}

// Receive разбирает входящий RTP пакет и ставит его в очередь
func (p *Pipeline) Receive(pkt *rtp.Packet) (int, error) {
	f, err := media.FrameFromRTP(pkt, p.cpActive.Load())
	if err != nil {
		p.metrics.FrameDropped("rx", "invalid")
		return p.QueueLen(), err
	}
	return p.Enqueue(f)
}

// Enqueue ставит кадр в очередь приема. Кадр отбрасывается при включенном
// rx-flush или заполненной очереди. При достижении порога планируется
// одна обработка очереди на пакет кадров.
func (p *Pipeline) Enqueue(f *media.Frame) (int, error) {
	q := p.queue.Load()
	if q == nil {
		return 0, media.ErrQueueReleased
	}
	if p.rxFlush.Load() {
		p.metrics.FrameDropped("rx", "flushing")
		return q.Len(), media.ErrQueueFlushing
	}

	depth, err := q.Enqueue(f)
	if err != nil {
		return depth, err
	}
	if depth >= p.cfg.Watermark && p.sched != nil && p.drainScheduled.CompareAndSwap(false, true) {
		p.sched.ScheduleDrain()
	}
	return depth, nil
}

// Drain декодирует кадры из очереди и передает PCM получателю,
// пока очередь не опустеет или не включится rx-flush.
// Возвращает число декодированных кадров SBC.
func (p *Pipeline) Drain(ctx context.Context) int {
	p.drainScheduled.Store(false)
	q := p.queue.Load()
	if q == nil {
		return 0
	}

	decoded := 0
	for {
		if p.rxFlush.Load() {
			q.Flush()
			return decoded
		}
		f := q.Dequeue()
		if f == nil {
			return decoded
		}
		p.checkSequence(ctx, f.Sequence)
		decoded += p.decode(ctx, f)
	}
}

func (p *Pipeline) checkSequence(ctx context.Context, seq uint16) {
	if p.hasBaseline && seq != p.expectedSeq {
		err := media.NewMediaError(media.ErrorCodeSequenceGap, "разрыв последовательности",
			map[string]interface{}{"expected": p.expectedSeq, "received": seq})
		p.logger.Warn(ctx, "разрыв номеров последовательности",
			logging.Uint16("expected", p.expectedSeq),
			logging.Uint16("received", seq),
			logging.Int("gap", int(media.SeqDiff(seq, p.expectedSeq))),
			logging.String("error_code", err.ErrorCode()))
		p.metrics.SequenceGap()
	}
	p.expectedSeq = seq + 1
	p.hasBaseline = true
}

// decode декодирует кадры пакета. Ошибка декодирования отбрасывает остаток пакета.
func (p *Pipeline) decode(ctx context.Context, f *media.Frame) int {
	payload := f.Payload
	p.out = p.out[:0]
	count := 0

	for count < f.FrameCount && len(payload) > 0 {
		consumed, produced, err := p.decoder.Decode(payload, p.pcm)
		if err != nil {
			p.metrics.CodecError("decode")
			p.logger.LogError(ctx, media.WrapMediaError(media.ErrorCodeDecodeFailed,
				logging.SessionID(ctx), "кадр не декодирован", err), "ошибка декодирования",
				logging.Uint16("sequence", f.Sequence), logging.Int("frame", count))
			break
		}
		p.out = append(p.out, p.pcm[:produced]...)
		payload = payload[consumed:]
		count++
	}

	if len(p.out) > 0 {
		p.sink.Deliver(p.out)
	}
	p.metrics.FramesDecoded(count)
	return count
}

// SetRxFlush при включении сбрасывает очередь и отбрасывает входящие кадры,
// при выключении сбрасывает ожидаемый номер последовательности
func (p *Pipeline) SetRxFlush(ctx context.Context, enable bool) {
	p.rxFlush.Store(enable)
	if enable {
		dropped := 0
		if q := p.queue.Load(); q != nil {
			dropped = q.Flush()
		}
		p.logger.Debug(ctx, "прием приостановлен", logging.Int("dropped", dropped))
		return
	}
	p.hasBaseline = false
	p.logger.Debug(ctx, "прием возобновлен")
}

// RxFlushEnabled текущее значение флага rx-flush
func (p *Pipeline) RxFlushEnabled() bool {
	return p.rxFlush.Load()
}

// HandleDecoderReset применяет согласованную конфигурацию к декодеру.
// При ошибке разбора декодер остается в прежнем состоянии.
func (p *Pipeline) HandleDecoderReset(ctx context.Context, info []byte) error {
	cfg, err := codec.ParseSBCInfo(info, false)
	if err != nil {
		p.logger.LogError(ctx, err, "конфигурация декодера отклонена")
		return media.WrapMediaError(media.ErrorCodeDecoderConfig, logging.SessionID(ctx),
			"конфигурация декодера не разобрана", err)
	}

	p.audio = AudioConfig{SampleRate: cfg.SampleRate(), Channels: cfg.Channels()}
	p.rxFlush.Store(false)

	params := codec.ParamsFromInfo(cfg)
	if err := p.decoder.Reset(params); err != nil {
		p.metrics.CodecError("decode")
		p.logger.LogError(ctx, err, "ошибка сброса декодера")
	}

	p.framesPerDrain = framesPer20ms(cfg.SampleRate(), params.Blocks*params.Subbands)
	if need := p.framesPerDrain * maxPCMPerFrame; cap(p.out) < need {
		p.out = make([]byte, 0, need)
	}

	p.logger.Info(ctx, "декодер сброшен",
		logging.String("config", cfg.String()),
		logging.Int("sample_rate", p.audio.SampleRate),
		logging.Int("channels", p.audio.Channels),
		logging.Int("frames_per_drain", p.framesPerDrain))
	return nil
}

// framesPer20ms число кадров SBC на 20 мс звука
func framesPer20ms(sampleRate, samplesPerFrame int) int {
	multiple := 48 * 20
	switch sampleRate {
	case 16000:
		multiple = 16 * 20
	case 32000:
		multiple = 32 * 20
	case 44100:
		multiple = 441 * 2
	}
	if samplesPerFrame == 0 {
		return 1
	}
	return multiple/samplesPerFrame + 1
}

// AudioConfig частота и число каналов декодированного потока
func (p *Pipeline) AudioConfig() AudioConfig { return p.audio }

// FramesPerDrain ожидаемое число кадров на 20 мс
func (p *Pipeline) FramesPerDrain() int { return p.framesPerDrain }

// QueueLen глубина очереди приема
func (p *Pipeline) QueueLen() int {
	if q := p.queue.Load(); q != nil {
		return q.Len()
	}
	return 0
}
