package av

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/config"
	"github.com/arzzra/a2dp/pkg/control"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/media"
	"github.com/arzzra/a2dp/pkg/sink"
	"github.com/arzzra/a2dp/pkg/source"
)

// DefaultEventQueueSize емкость очереди событий рабочего контекста
const DefaultEventQueueSize = 64

var (
	ErrEngineStopped = errors.New("движок остановлен")
	ErrWrongRole     = errors.New("операция недоступна для роли")
)

// EngineOptions зависимости движка
type EngineOptions struct {
	Config    *config.Config
	Transport Transport

	// Роль источника
	Feed    io.Reader
	Encoder codec.Encoder

	// Роль приемника
	Decoder codec.Decoder
	PCMSink sink.PCMSink

	Acker    control.Acker
	Listener StateListener
	Logger   logging.Logger
	// Registerer реестр метрик, nil отключает метрики
	Registerer     prometheus.Registerer
	EventQueueSize int
}

// Engine сессия A2DP: единственный рабочий контекст владеет автоматом,
// согласователем и управлением конвейерами
type Engine struct {
	id     string
	ssrc   uint32
	role   codec.Role
	logger logging.Logger

	machine *StateMachine
	source  *source.Pipeline
	sink    *sink.Pipeline
	ticker  *ticker
	metrics *Metrics

	events chan Event
	ticks  chan time.Time
	drains chan struct{}

	state atomic.Int32
	done  chan struct{}
	ran   atomic.Bool
}

// NewEngine собирает сессию по конфигурации
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("не задан транспорт")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}

	id := uuid.New()
	e := &Engine{
		id:     id.String(),
		ssrc:   binary.BigEndian.Uint32(id[:4]),
		role:   codec.RoleSource,
		events: make(chan Event, opts.EventQueueSize),
		ticks:  make(chan time.Time, 1),
		drains: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if !cfg.IsSource() {
		e.role = codec.RoleSink
	}
	e.logger = opts.Logger.WithFields(
		logging.String("engine", e.id),
		logging.String("role", e.role.String()))
	e.ticker = newTicker(e.ticks)

	var mediaMetrics *media.Metrics
	if opts.Registerer != nil {
		mediaMetrics = media.NewMetrics(&media.MetricsConfig{
			Enabled: true, Namespace: cfg.Metrics.Namespace, Subsystem: "media", Registerer: opts.Registerer,
		})
		e.metrics = NewMetrics(&media.MetricsConfig{
			Enabled: true, Namespace: cfg.Metrics.Namespace, Subsystem: "session", Registerer: opts.Registerer,
		})
	}

	negotiator := codec.NewNegotiator(codec.NegotiatorOptions{
		Role:              e.role,
		ContentProtection: cfg.ContentProtection,
		Bitpool:           codec.BitpoolRange{Min: cfg.Codec.MinBitpool, Max: cfg.Codec.MaxBitpool},
		Logger:            e.logger,
	})

	var err error
	if e.role == codec.RoleSource {
		if opts.Feed == nil || opts.Encoder == nil {
			return nil, fmt.Errorf("%w: источнику нужны PCM и кодировщик", ErrWrongRole)
		}
		e.source, err = source.NewPipeline(source.Options{
			Config: source.Config{
				TickInterval:       cfg.Source.TickInterval,
				MaxFramesPerTick:   cfg.Source.MaxFramesPerTick,
				TxQueueSize:        cfg.Source.TxQueueSize,
				UnderflowWarnTicks: cfg.Source.UnderflowWarnTicks,
				EDR:                cfg.EDR,
			},
			Feed:      opts.Feed,
			Encoder:   opts.Encoder,
			Scheduler: e.ticker,
			Notifier:  opts.Transport,
			Logger:    e.logger,
			Metrics:   mediaMetrics,
		})
	} else {
		if opts.Decoder == nil || opts.PCMSink == nil {
			return nil, fmt.Errorf("%w: приемнику нужны декодер и получатель PCM", ErrWrongRole)
		}
		e.sink, err = sink.NewPipeline(sink.Options{
			Config:    sink.Config{RxQueueSize: cfg.Sink.RxQueueSize, Watermark: cfg.Sink.Watermark},
			Decoder:   opts.Decoder,
			Sink:      opts.PCMSink,
			Scheduler: e,
			Logger:    e.logger,
			Metrics:   mediaMetrics,
		})
	}
	if err != nil {
		return nil, err
	}

	acker := opts.Acker
	gate := control.NewGate(control.AckerFunc(func(a control.Ack) {
		e.metrics.Ack(a)
		if acker != nil {
			acker.OnAck(a)
		}
	}), e.logger)

	listener := opts.Listener
	e.machine, err = NewStateMachine(MachineOptions{
		Role:       e.role,
		Feeding:    codec.Feeding{SampleRate: cfg.Feed.SampleRate, Channels: cfg.Feed.Channels, BitsPerSample: cfg.Feed.BitsPerSample},
		Transport:  opts.Transport,
		Negotiator: negotiator,
		Source:     e.source,
		Sink:       e.sink,
		Gate:       gate,
		Listener: func(from, to State) {
			e.state.Store(int32(to))
			if listener != nil {
				listener(from, to)
			}
		},
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ID идентификатор сессии
func (e *Engine) ID() string { return e.id }

// Role роль локального устройства
func (e *Engine) Role() codec.Role { return e.role }

// State последнее состояние автомата. Безопасен из любого контекста.
func (e *Engine) State() State { return State(e.state.Load()) }

// Done закрывается после завершения Run
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run запускает рабочий контекст и таймер тактирования и блокируется
// до отмены ctx. Конвейеры освобождаются на любом пути выхода.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("движок уже запускался")
	}
	defer close(e.done)

	ctx = logging.WithSessionID(ctx, e.id)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.worker(gctx) })
	g.Go(func() error { return e.ticker.run(gctx) })

	e.logger.Info(ctx, "сессия запущена")
	err := g.Wait()
	e.logger.Info(ctx, "сессия завершена")
	return err
}

func (e *Engine) worker(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в рабочем контексте: %v", r)
			e.logger.Error(ctx, "паника в рабочем контексте", logging.Any("panic", r))
		}
		e.machine.Release(context.WithoutCancel(ctx))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			e.handle(ctx, ev)
		case now := <-e.ticks:
			e.handle(ctx, TickEvent{Now: now})
		case <-e.drains:
			e.handle(ctx, DrainEvent{})
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	if err := e.machine.Dispatch(ctx, ev); err != nil && !errors.Is(err, ErrUnhandledEvent) {
		e.logger.LogError(ctx, err, "ошибка обработки события", logging.String("event", EventName(ev)))
	}
}

// Post ставит событие в очередь рабочего контекста.
// Блокируется, пока очередь заполнена.
func (e *Engine) Post(ctx context.Context, ev Event) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command передает управляющую команду приложения
func (e *Engine) Command(ctx context.Context, cmd control.Command) error {
	return e.Post(ctx, CommandEvent{Command: cmd})
}

// Connect запрашивает соединение с пиром
func (e *Engine) Connect(ctx context.Context, addr string) error {
	return e.Post(ctx, ConnectRequest{Addr: addr})
}

// Disconnect запрашивает разрыв соединения
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.Post(ctx, DisconnectRequest{})
}

// ScheduleDrain будит рабочий контекст для обработки очереди приема.
// Повторные вызовы до обработки схлопываются.
func (e *Engine) ScheduleDrain() {
	select {
	case e.drains <- struct{}{}:
	default:
	}
}

// ReceiveMedia входящий медиапакет от транспорта. Безопасен из любого контекста.
func (e *Engine) ReceiveMedia(pkt *rtp.Packet) (int, error) {
	if e.sink == nil {
		return 0, fmt.Errorf("%w: прием медиа", ErrWrongRole)
	}
	return e.sink.Receive(pkt)
}

// ReadMedia следующий пакет очереди передачи или nil. Безопасен из любого контекста.
func (e *Engine) ReadMedia() *rtp.Packet {
	if e.source == nil {
		return nil
	}
	f := e.source.Dequeue()
	if f == nil {
		return nil
	}
	return f.ToRTP(e.ssrc)
}

// ticker периодический таймер источника. Arm и Disarm вызываются из
// рабочего контекста, срабатывания доставляются обратно через канал.
type ticker struct {
	ctl   chan time.Duration // 0 снимает таймер
	ticks chan<- time.Time
}

func newTicker(ticks chan<- time.Time) *ticker {
	return &ticker{ctl: make(chan time.Duration, 1), ticks: ticks}
}

func (t *ticker) Arm(interval time.Duration) { t.send(interval) }

func (t *ticker) Disarm() { t.send(0) }

// send оставляет в канале только последнюю команду
func (t *ticker) send(d time.Duration) {
	for {
		select {
		case t.ctl <- d:
			return
		default:
		}
		select {
		case <-t.ctl:
		default:
		}
	}
}

func (t *ticker) run(ctx context.Context) error {
	var tk *time.Ticker
	var c <-chan time.Time
	stop := func() {
		if tk != nil {
			tk.Stop()
			tk, c = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.ctl:
			stop()
			if d > 0 {
				tk = time.NewTicker(d)
				c = tk.C
			}
		case now := <-c:
			// пропущенный тик учитывается по прошедшему времени на следующем
			select {
			case t.ticks <- now:
			default:
			}
		}
	}
}
