package main

import (
	"context"

	"github.com/pion/rtp"

	"github.com/arzzra/a2dp/pkg/av"
	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/logging"
)

// linkSignal событие, доставляемое движку по имитируемому сигнальному каналу
type linkSignal struct {
	to *av.Engine
	ev av.Event
}

// link соединяет движок источника и движок приемника в памяти.
// Сигнальные результаты доставляются одной горутиной в порядке отправки,
// медиапакеты проходят через Marshal/Unmarshal как по реальному каналу.
type link struct {
	mtu     int
	edr     bool
	signals chan linkSignal
	ready   chan struct{}
	logger  logging.Logger

	source *end
	sink   *end
}

// end сторона канала, реализует av.Transport для своего движка
type end struct {
	l      *link
	addr   string
	engine *av.Engine
	peer   *end
}

func newLink(mtu int, edr bool, logger logging.Logger) *link {
	l := &link{
		mtu:     mtu,
		edr:     edr,
		signals: make(chan linkSignal, 256),
		ready:   make(chan struct{}, 1),
		logger:  logger.WithComponent("link"),
	}
	l.source = &end{l: l, addr: "00:1A:7D:DA:71:01"}
	l.sink = &end{l: l, addr: "00:1A:7D:DA:71:02"}
	l.source.peer, l.sink.peer = l.sink, l.source
	return l
}

// attach связывает стороны канала с движками
func (l *link) attach(source, sink *av.Engine) {
	l.source.engine = source
	l.sink.engine = sink
}

func (l *link) send(to *end, evs ...av.Event) {
	for _, ev := range evs {
		l.signals <- linkSignal{to: to.engine, ev: ev}
	}
}

// run доставляет сигналы и переносит медиапакеты до отмены ctx
func (l *link) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-l.signals:
			if err := s.to.Post(ctx, s.ev); err != nil {
				l.logger.LogError(ctx, err, "сигнал не доставлен", logging.String("event", av.EventName(s.ev)))
				if ctx.Err() != nil {
					return nil
				}
			}
		case <-l.ready:
			l.pump(ctx)
		}
	}
}

// pump переносит все пакеты очереди передачи источника в приемник
func (l *link) pump(ctx context.Context) {
	for pkt := l.source.engine.ReadMedia(); pkt != nil; pkt = l.source.engine.ReadMedia() {
		raw, err := pkt.Marshal()
		if err != nil {
			l.logger.LogError(ctx, err, "ошибка сериализации пакета")
			continue
		}
		var in rtp.Packet
		if err := in.Unmarshal(raw); err != nil {
			l.logger.LogError(ctx, err, "ошибка разбора пакета")
			continue
		}
		if _, err := l.sink.engine.ReceiveMedia(&in); err != nil {
			l.logger.Debug(ctx, "пакет не принят приемником",
				logging.Int("seq", int(in.SequenceNumber)), logging.Err(err))
		}
	}
}

// Open имитирует соединение: пир получает входящее соединение,
// инициатор результаты обнаружения конечных точек пира
func (e *end) Open(string) error {
	e.l.send(e.peer, av.PendingConnect{Addr: e.addr})
	e.l.send(e,
		av.Discovery{Addr: e.peer.addr, NumSeps: 1, NumSinks: 1},
		av.CapabilityReply{
			Endpoint: codec.Endpoint{Index: 0, SEID: 1, CodecType: codec.CodecSBC, Caps: codec.SinkCaps().Bytes()},
			IsSink:   true,
		})
	return nil
}

func (e *end) Close() error {
	e.l.send(e, av.CloseEvent{})
	e.l.send(e.peer, av.CloseEvent{})
	return nil
}

func (e *end) Start() error {
	e.l.send(e, av.StartResult{OK: true, Initiator: true})
	e.l.send(e.peer, av.StartResult{OK: true, Initiator: false})
	return nil
}

func (e *end) Stop(suspend bool) error {
	if suspend {
		e.l.send(e, av.SuspendResult{OK: true, Initiator: true})
		e.l.send(e.peer, av.SuspendResult{OK: true, Initiator: false})
		return nil
	}
	e.l.send(e, av.StopResult{OK: true, Initiator: true})
	e.l.send(e.peer, av.StopResult{OK: true, Initiator: false})
	return nil
}

func (e *end) Reconfigure(config []byte) error {
	e.l.send(e.peer, av.SetConfigRequest{Request: e.configRequest(config)})
	e.l.send(e, av.ReconfigResult{OK: true})
	return nil
}

// Configure передает конфигурацию пиру и завершает открытие обеих сторон
func (e *end) Configure(sel codec.Selection) error {
	req := e.configRequest(sel.Config)
	req.SEID = sel.Endpoint.SEID
	req.Index = sel.Endpoint.Index
	e.l.send(e.peer, av.SetConfigRequest{Request: req})

	open := av.OpenResult{OK: true, EDR: e.l.edr, MTU: e.l.mtu}
	e.l.send(e, open)
	e.l.send(e.peer, open)
	return nil
}

func (e *end) configRequest(config []byte) codec.SetConfigRequest {
	return codec.SetConfigRequest{
		Addr:      e.addr,
		SEID:      1,
		CodecType: codec.CodecSBC,
		Info:      append([]byte(nil), config...),
	}
}

func (e *end) ReplySetConfig(status codec.Status) error {
	if status != codec.StatusSuccess {
		e.l.logger.Warn(context.Background(), "пир отклонил конфигурацию",
			logging.String("side", e.addr), logging.String("status", status.String()))
	}
	return nil
}

// DataReady будит перенос пакетов. Вызывается из рабочего контекста источника.
func (e *end) DataReady() {
	select {
	case e.l.ready <- struct{}{}:
	default:
	}
}
