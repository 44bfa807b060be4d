// Package source реализует конвейер источника A2DP: тактирование по таймеру,
// чтение PCM с передискретизацией, кодирование SBC и упаковку кадров
// в медиапакеты размером до MTU.
package source

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/media"
)

// Значения по умолчанию
const (
	DefaultTickInterval       = 30 * time.Millisecond
	DefaultMaxFramesPerTick   = 21
	DefaultTxQueueSize        = 27
	DefaultUnderflowWarnTicks = 10

	// MaxMTU предел размера медиапакета независимо от MTU пира
	MaxMTU = 4096
)

// Scheduler периодический таймер тактирования.
// Срабатывания доставляются в контекст обработчика как вызовы HandleTick.
type Scheduler interface {
	Arm(interval time.Duration)
	Disarm()
}

// DataNotifier уведомляет транспорт о наличии пакетов в очереди передачи
type DataNotifier interface {
	DataReady()
}

// FeedFlusher опционально реализуется источником PCM, чтобы узнать о сбросе
type FeedFlusher interface {
	FlushFeed()
}

// CodecConfigurer источник согласованной конфигурации кодека.
// Реализуется codec.Negotiator.
type CodecConfigurer interface {
	SetCodec(f codec.Feeding) (*codec.Selection, error)
	SBCConfig() (codec.SBCInfo, int)
	RemoteBitpoolPreference() *codec.BitpoolRange
	CPActive() bool
	CPFlag() byte
}

// Config параметры конвейера источника
type Config struct {
	TickInterval       time.Duration
	MaxFramesPerTick   int
	TxQueueSize        int
	UnderflowWarnTicks int
	EDR                bool
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		TickInterval:       DefaultTickInterval,
		MaxFramesPerTick:   DefaultMaxFramesPerTick,
		TxQueueSize:        DefaultTxQueueSize,
		UnderflowWarnTicks: DefaultUnderflowWarnTicks,
		EDR:                true,
	}
}

// Options зависимости конвейера
type Options struct {
	Config    Config
	Feed      io.Reader
	Encoder   codec.Encoder
	Scheduler Scheduler
	Notifier  DataNotifier
	Logger    logging.Logger
	Metrics   *media.Metrics
}

// feedingState состояние чтения PCM, сбрасывается при старте и остановке
type feedingState struct {
	counter      int64 // накопленный бюджет PCM в байтах
	bytesPerTick int64
	residue      int // байты, уже лежащие в буфере кадра
	lastTick     time.Time
	fract        fraction
}

// Pipeline конвейер источника.
// Все методы, кроме Dequeue и QueueLen, вызываются из контекста обработчика.
type Pipeline struct {
	cfg       Config
	feed      io.Reader
	encoder   codec.Encoder
	scheduler Scheduler
	notifier  DataNotifier
	logger    logging.Logger
	metrics   *media.Metrics

	feeding codec.Feeding
	params  codec.EncoderParams
	mtu     int

	frameLen  int
	timestamp uint32
	sequence  uint16
	cpActive  bool
	cpFlag    byte

	state    feedingState
	up       *upsampler
	direct   []byte // буфер кадра при чтении без передискретизации
	upBuf    []byte // передискретизированный PCM, еще не отданный кодировщику
	readBuf  []byte
	pcm      []byte
	frameBuf []byte

	queue   atomic.Pointer[media.Queue]
	running bool
	txFlush bool

	underflowStreak int
}

// NewPipeline создает конвейер. Очередь передачи создается при старте.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Feed == nil {
		return nil, fmt.Errorf("не задан источник PCM")
	}
	if opts.Encoder == nil {
		return nil, fmt.Errorf("не задан кодировщик")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("не задан таймер")
	}
	cfg := opts.Config
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxFramesPerTick <= 0 {
		cfg.MaxFramesPerTick = DefaultMaxFramesPerTick
	}
	if cfg.TxQueueSize <= 0 {
		cfg.TxQueueSize = DefaultTxQueueSize
	}
	if cfg.UnderflowWarnTicks <= 0 {
		cfg.UnderflowWarnTicks = DefaultUnderflowWarnTicks
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	p := &Pipeline{
		cfg:       cfg,
		feed:      opts.Feed,
		encoder:   opts.Encoder,
		scheduler: opts.Scheduler,
		notifier:  opts.Notifier,
		logger:    opts.Logger.WithComponent("source"),
		metrics:   opts.Metrics,
		feeding:   codec.Feeding{SampleRate: 44100, Channels: 2, BitsPerSample: 16},
	}
	p.params = codec.ParamsFromInfo(codec.DefaultConfig())
	return p, nil
}

// SetupCodec передает формат PCM согласователю и инициализирует кодировщик.
// Возвращенный выбор сообщает, нужна ли переконфигурация потока.
func (p *Pipeline) SetupCodec(ctx context.Context, cc CodecConfigurer, f codec.Feeding) (*codec.Selection, error) {
	sel, err := cc.SetCodec(f)
	if err != nil {
		p.logger.LogError(ctx, err, "формат PCM не поддерживается пиром")
		return nil, err
	}
	cfg, mtu := cc.SBCConfig()
	if err := p.EncoderInit(ctx, cfg, mtu); err != nil {
		return nil, err
	}
	p.FeedingInit(ctx, f)
	return sel, nil
}

// EncoderInit настраивает кодировщик по конфигурации SBC и сбрасывает метку времени
func (p *Pipeline) EncoderInit(ctx context.Context, cfg codec.SBCInfo, mtu int) error {
	params := codec.ParamsFromInfo(cfg)
	params.BitRate = codec.TargetBitRate(p.cfg.EDR)
	if err := p.encoder.Reset(params); err != nil {
		p.metrics.CodecError("encode")
		return media.WrapMediaError(media.ErrorCodeEncodeFailed, logging.SessionID(ctx), "ошибка инициализации кодировщика", err)
	}
	p.params = params
	p.mtu = clampMTU(mtu)
	p.frameLen = codec.FrameLength(params)
	p.timestamp = 0
	p.allocBuffers()

	p.logger.Info(ctx, "кодировщик инициализирован",
		logging.String("config", cfg.String()),
		logging.Int("mtu", p.mtu),
		logging.Int("peer_mtu", mtu),
		logging.Int("bitrate", params.BitRate))
	return nil
}

// FeedingInit запоминает формат PCM и приводит кодировщик к совместимому:
// частота SBC выбирается по семейству частоты PCM, моно заменяется joint stereo.
// Возвращает true, если параметры кодировщика изменились.
func (p *Pipeline) FeedingInit(ctx context.Context, f codec.Feeding) bool {
	p.feeding = f
	reconfig := false

	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 32000, 48000:
		if p.params.SampleRate != 48000 {
			p.params.SampleRate = 48000
			reconfig = true
		}
	case 11025, 22050, 44100:
		if p.params.SampleRate != 44100 {
			p.params.SampleRate = 44100
			reconfig = true
		}
	default:
		p.logger.Warn(ctx, "частота PCM не поддерживается", logging.Int("sample_rate", f.SampleRate))
	}

	if p.params.ChannelMode == codec.ModeMono {
		p.params.ChannelMode = codec.ModeJoint
		reconfig = true
	}

	if reconfig {
		if err := p.encoder.Reset(p.params); err != nil {
			p.metrics.CodecError("encode")
			p.logger.LogError(ctx, err, "ошибка переинициализации кодировщика")
		}
		p.frameLen = codec.FrameLength(p.params)
		p.allocBuffers()
		p.logger.Debug(ctx, "кодировщик приведен к формату PCM",
			logging.Int("sample_rate", p.params.SampleRate),
			logging.String("mode", p.params.ChannelMode.String()))
	}

	p.setupReader()
	return reconfig
}

// EncoderUpdate подбирает bitpool под целевой битрейт в пределах
// согласованного диапазона с учетом предпочтения пира и обновляет MTU
func (p *Pipeline) EncoderUpdate(ctx context.Context, cc CodecConfigurer) codec.BitpoolResult {
	cfg, mtu := cc.SBCConfig()
	local := cfg.Bitpool()
	if local.Min > local.Max {
		p.logger.Error(ctx, "минимальный bitpool больше максимального",
			logging.Int("min_bitpool", local.Min), logging.Int("max_bitpool", local.Max))
	}

	rng := codec.NegotiateBitpool(local, cc.RemoteBitpoolPreference())
	if rng != local {
		p.logger.Info(ctx, "диапазон bitpool сужен по предпочтению пира",
			logging.Int("min_bitpool", rng.Min), logging.Int("max_bitpool", rng.Max))
	}

	p.mtu = clampMTU(mtu)
	p.cpActive = cc.CPActive()
	p.cpFlag = cc.CPFlag()

	res := codec.ComputeBitpool(p.params, rng, codec.TargetBitRate(p.cfg.EDR))
	if !res.Converged {
		p.logger.Error(ctx, "bitpool вне диапазона, используется последнее значение",
			logging.Int("bitpool", res.Bitpool), logging.Int("bitrate", res.BitRate))
	}
	p.params.Bitpool = res.Bitpool
	p.params.BitRate = res.BitRate
	if err := p.encoder.Reset(p.params); err != nil {
		p.metrics.CodecError("encode")
		p.logger.LogError(ctx, err, "ошибка переинициализации кодировщика")
	}
	p.frameLen = codec.FrameLength(p.params)
	p.allocBuffers()
	p.metrics.SetBitpool(res.Bitpool)

	p.logger.Debug(ctx, "параметры кодировщика обновлены",
		logging.Int("bitpool", res.Bitpool),
		logging.Int("bitrate", res.BitRate),
		logging.Int("mtu", p.mtu))
	return res
}

// Start создает очередь передачи, сбрасывает состояние чтения и взводит таймер
func (p *Pipeline) Start(ctx context.Context) {
	if p.running {
		p.logger.Warn(ctx, "конвейер источника уже запущен")
		return
	}
	p.queue.Store(media.NewQueue(media.QueueConfig{
		Name:     "tx",
		Capacity: p.cfg.TxQueueSize,
		Policy:   media.DropOldest,
		Metrics:  p.metrics,
	}))
	p.running = true
	p.resetFeedingState()
	p.scheduler.Arm(p.cfg.TickInterval)

	p.logger.Info(ctx, "конвейер источника запущен",
		logging.Duration("tick", p.cfg.TickInterval),
		logging.Int64("bytes_per_tick", p.state.bytesPerTick))
}

// Stop снимает таймер, сбрасывает флаг tx-flush и освобождает очередь.
// Возвращает true, если конвейер был запущен.
func (p *Pipeline) Stop(ctx context.Context) bool {
	wasRunning := p.running

	p.scheduler.Disarm()
	p.running = false
	p.txFlush = false
	p.resetFeedingState()
	if q := p.queue.Swap(nil); q != nil {
		q.Flush()
	}

	if wasRunning {
		p.logger.Info(ctx, "конвейер источника остановлен")
	}
	return wasRunning
}

// SetTxFlush при включении заставляет конвейер отбрасывать все новые пакеты
func (p *Pipeline) SetTxFlush(enable bool) {
	p.txFlush = enable
}

// TxFlushEnabled текущее значение флага tx-flush
func (p *Pipeline) TxFlushEnabled() bool {
	return p.txFlush
}

// TxFlush сбрасывает очередь передачи и накопленный бюджет PCM
func (p *Pipeline) TxFlush(ctx context.Context) int {
	p.state.counter = 0
	p.state.residue = 0
	p.upBuf = p.upBuf[:0]

	dropped := 0
	if q := p.queue.Load(); q != nil {
		dropped = q.Flush()
	}
	if fl, ok := p.feed.(FeedFlusher); ok {
		fl.FlushFeed()
	}
	p.logger.Debug(ctx, "очередь передачи сброшена", logging.Int("dropped", dropped))
	return dropped
}

// Dequeue отдает транспорту следующий пакет. Безопасен из любого контекста.
func (p *Pipeline) Dequeue() *media.Frame {
	q := p.queue.Load()
	if q == nil {
		return nil
	}
	return q.Dequeue()
}

// QueueLen глубина очереди передачи, 0 если очередь не создана
func (p *Pipeline) QueueLen() int {
	if q := p.queue.Load(); q != nil {
		return q.Len()
	}
	return 0
}

// SetEDR задает тип канала пира. Влияет на целевой битрейт
// при следующей инициализации кодировщика.
func (p *Pipeline) SetEDR(edr bool) { p.cfg.EDR = edr }

// Running true пока взведен таймер
func (p *Pipeline) Running() bool { return p.running }

// Params текущие параметры кодировщика
func (p *Pipeline) Params() codec.EncoderParams { return p.params }

// MTU размер пакета, используемый при упаковке
func (p *Pipeline) MTU() int { return p.mtu }

// UnderflowStreak число подряд идущих тиков без данных PCM
func (p *Pipeline) UnderflowStreak() int { return p.underflowStreak }

// HandleTick обрабатывает срабатывание таймера: вычисляет число кадров,
// кодирует и ставит пакеты в очередь, затем уведомляет транспорт.
func (p *Pipeline) HandleTick(ctx context.Context, now time.Time) {
	if !p.running {
		p.logger.Warn(ctx, "тик после остановки конвейера")
		return
	}

	n := p.framesDue(ctx, now)
	underflow := false
	if n > 0 {
		underflow = p.prepare(ctx, n)
	}
	p.trackUnderflow(ctx, underflow)

	if p.notifier != nil {
		p.notifier.DataReady()
	}
}

func (p *Pipeline) pcmBytesPerFrame() int64 {
	return int64(p.params.Subbands * p.params.Blocks * p.feeding.Channels * p.feeding.BitsPerSample / 8)
}

// framesDue добавляет к бюджету PCM время, прошедшее с прошлого тика,
// и возвращает число кадров, которые нужно закодировать
func (p *Pipeline) framesDue(ctx context.Context, now time.Time) int {
	tick := p.cfg.TickInterval
	elapsed := tick
	if !p.state.lastTick.IsZero() {
		elapsed = now.Sub(p.state.lastTick)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	p.state.lastTick = now

	p.state.counter += p.state.bytesPerTick * elapsed.Microseconds() / tick.Microseconds()

	perFrame := p.pcmBytesPerFrame()
	if perFrame == 0 {
		return 0
	}
	n := int(p.state.counter / perFrame)
	if n > p.cfg.MaxFramesPerTick {
		p.logger.Warn(ctx, "число кадров за тик ограничено",
			logging.Int("due", n), logging.Int("limit", p.cfg.MaxFramesPerTick))
		n = p.cfg.MaxFramesPerTick
	}
	p.state.counter -= int64(n) * perFrame
	return n
}

// prepare освобождает в очереди место под пакеты для n кадров и кодирует их.
// Возвращает true, если PCM закончился раньше.
func (p *Pipeline) prepare(ctx context.Context, n int) bool {
	q := p.queue.Load()
	if q == nil {
		return false
	}

	packets := ceilDiv(n, p.framesPerPacket())
	if packets > q.Cap() {
		packets = q.Cap()
	}
	if excess := q.Len() - (q.Cap() - packets); excess > 0 {
		p.logger.Warn(ctx, "переполнение очереди передачи",
			logging.Int("depth", q.Len()), logging.Int("free_needed", packets))
		q.DropOldest(excess)
	}

	return p.encodeAndPack(ctx, q, n)
}

// framesPerPacket число кадров SBC в полном пакете при текущем MTU,
// то же условие завершения пакета, что в encodeAndPack
func (p *Pipeline) framesPerPacket() int {
	k := 1
	for k < media.MaxFramesPerPacket && (k+1)*p.frameLen < p.mtu {
		k++
	}
	return k
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (p *Pipeline) encodeAndPack(ctx context.Context, q *media.Queue, n int) bool {
	samplesPerFrame := uint32(p.params.SamplesPerFrame())
	underflow := false

	for n > 0 {
		payload := make([]byte, 0, p.mtu)
		count := 0

		for {
			if p.readFeeding(ctx) {
				size, err := p.encoder.Encode(p.pcm, p.frameBuf)
				if err != nil {
					p.metrics.CodecError("encode")
					p.logger.LogError(ctx, media.WrapMediaError(media.ErrorCodeEncodeFailed,
						logging.SessionID(ctx), "кадр не закодирован", err), "ошибка кодирования")
				} else {
					payload = append(payload, p.frameBuf[:size]...)
					count++
				}
				n--
			} else {
				p.state.counter += int64(n) * p.pcmBytesPerFrame()
				n = 0
				underflow = true
				if !p.running {
					return underflow
				}
			}
			if len(payload)+p.frameLen >= p.mtu || count >= media.MaxFramesPerPacket || n == 0 {
				break
			}
		}

		if len(payload) == 0 {
			continue
		}

		frame := &media.Frame{
			Sequence:   p.sequence,
			Timestamp:  p.timestamp,
			FrameCount: count,
			Payload:    payload,
			CPFlag:     p.cpFlag,
			HasCP:      p.cpActive,
		}
		p.timestamp += uint32(count) * samplesPerFrame
		p.sequence++
		p.metrics.FramesEncoded(count)

		if p.txFlush {
			p.logger.Debug(ctx, "передача приостановлена, пакет отброшен")
			if q.Len() > 0 {
				q.Flush()
			}
			return underflow
		}
		_, _ = q.Enqueue(frame)
	}
	return underflow
}

func (p *Pipeline) trackUnderflow(ctx context.Context, underflow bool) {
	if !underflow {
		if p.underflowStreak >= p.cfg.UnderflowWarnTicks {
			p.logger.Info(ctx, "поступление PCM восстановлено",
				logging.Int("underflow_ticks", p.underflowStreak))
		}
		if p.underflowStreak > 0 {
			p.metrics.ResetUnderflowStreak()
		}
		p.underflowStreak = 0
		return
	}

	p.underflowStreak++
	p.metrics.FeedUnderflow(p.underflowStreak)
	if p.underflowStreak == p.cfg.UnderflowWarnTicks {
		p.logger.Warn(ctx, "длительная нехватка PCM",
			logging.Int("underflow_ticks", p.underflowStreak),
			logging.Duration("duration", time.Duration(p.underflowStreak)*p.cfg.TickInterval))
	}
}

func (p *Pipeline) resetFeedingState() {
	p.state = feedingState{
		bytesPerTick: int64(p.feeding.SampleRate*p.feeding.BitsPerSample/8*p.feeding.Channels) *
			p.cfg.TickInterval.Microseconds() / int64(time.Second/time.Microsecond),
		fract: fractionFor(p.feeding.SampleRate),
	}
	p.upBuf = p.upBuf[:0]
	if p.up != nil {
		p.up.reset()
	}
	if p.underflowStreak > 0 {
		p.metrics.ResetUnderflowStreak()
	}
	p.underflowStreak = 0
}

// setupReader выбирает прямое чтение или передискретизацию
func (p *Pipeline) setupReader() {
	if p.directRead() {
		p.up = nil
	} else {
		p.up = newUpsampler(p.feeding.SampleRate, p.params.SampleRate,
			p.feeding.Channels, p.params.Channels(), p.feeding.BitsPerSample)
	}
	p.resetFeedingState()
}

func (p *Pipeline) directRead() bool {
	return p.feeding.SampleRate == p.params.SampleRate &&
		p.feeding.Channels == p.params.Channels() &&
		p.feeding.BitsPerSample == 16
}

func (p *Pipeline) allocBuffers() {
	need := codec.PCMFrameBytes(p.params)
	if cap(p.pcm) < need {
		p.pcm = make([]byte, need)
		p.direct = make([]byte, need)
	}
	p.pcm = p.pcm[:need]
	p.direct = p.direct[:need]
	if len(p.frameBuf) < p.frameLen {
		p.frameBuf = make([]byte, p.frameLen)
	}
	p.state.residue = 0
}

// readFeeding заполняет буфер кадра PCM. false означает нехватку данных.
func (p *Pipeline) readFeeding(ctx context.Context) bool {
	need := len(p.pcm)
	if p.up == nil {
		n, _ := p.feed.Read(p.direct[p.state.residue:need])
		if p.state.residue+n == need {
			copy(p.pcm, p.direct)
			p.state.residue = 0
			return true
		}
		p.state.residue += n
		p.logger.Trace(ctx, "нехватка PCM",
			logging.Int("read", n), logging.Int("needed", need-p.state.residue+n))
		return false
	}

	for attempt := 0; len(p.upBuf) < need && attempt < 2; attempt++ {
		if !p.readResampled(ctx) {
			return false
		}
	}
	if len(p.upBuf) < need {
		return false
	}
	copy(p.pcm, p.upBuf[:need])
	p.upBuf = append(p.upBuf[:0], p.upBuf[need:]...)
	return true
}

// readResampled читает порцию PCM источника и передискретизирует ее.
// Неполное чтение дополняется тишиной, пустое считается нехваткой.
func (p *Pipeline) readResampled(ctx context.Context) bool {
	samples := p.params.SamplesPerFrame() * p.feeding.SampleRate / p.params.SampleRate
	samples += p.state.fract.next()

	size := samples * p.up.srcFrameBytes()
	if cap(p.readBuf) < size {
		p.readBuf = make([]byte, size)
	}
	buf := p.readBuf[:size]

	n, _ := p.feed.Read(buf)
	if n == 0 {
		return false
	}
	if n < size {
		p.logger.Trace(ctx, "неполное чтение PCM дополнено тишиной",
			logging.Int("read", n), logging.Int("needed", size))
		clear(buf[n:])
	}
	p.upBuf = p.up.process(buf, p.upBuf)
	return true
}

func clampMTU(mtu int) int {
	if mtu > MaxMTU || mtu <= 0 {
		return MaxMTU
	}
	return mtu
}
