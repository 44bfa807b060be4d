package av

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/control"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/sink"
	"github.com/arzzra/a2dp/pkg/source"
)

// ErrUnhandledEvent событие не обрабатывается в текущем состоянии,
// состояние не изменилось
var ErrUnhandledEvent = errors.New("событие не обрабатывается")

// Переходы автомата
const (
	evConnect       = "connect"
	evOpenOK        = "open_ok"
	evOpenFail      = "open_fail"
	evStreamStart   = "stream_start"
	evStreamSuspend = "stream_suspend"
	evDisconnect    = "disconnect"
	evCloseDone     = "close_done"
)

// StateListener получает смены состояния
type StateListener func(from, to State)

// MachineOptions зависимости автомата
type MachineOptions struct {
	Role       codec.Role
	Feeding    codec.Feeding
	Transport  Transport
	Negotiator *codec.Negotiator
	Source     *source.Pipeline // только для роли источника
	Sink       *sink.Pipeline   // только для роли приемника
	Gate       *control.Gate
	Listener   StateListener
	Logger     logging.Logger
	Metrics    *Metrics
}

// StateMachine автомат соединения одной сессии.
// Принадлежит рабочему контексту, блокировок не содержит.
type StateMachine struct {
	fsm *fsm.FSM

	role       codec.Role
	feeding    codec.Feeding
	transport  Transport
	negotiator *codec.Negotiator
	source     *source.Pipeline
	sink       *sink.Pipeline
	gate       *control.Gate
	listener   StateListener
	logger     logging.Logger
	metrics    *Metrics

	flags    Flags
	peerAddr string
	edr      bool

	// события, порожденные обработкой, выполняются после текущего
	followUps []Event
}

func NewStateMachine(opts MachineOptions) (*StateMachine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("не задан транспорт")
	}
	if opts.Negotiator == nil {
		return nil, fmt.Errorf("не задан согласователь кодека")
	}
	if opts.Role == codec.RoleSource && opts.Source == nil {
		return nil, fmt.Errorf("роль источника требует конвейер источника")
	}
	if opts.Role == codec.RoleSink && opts.Sink == nil {
		return nil, fmt.Errorf("роль приемника требует конвейер приемника")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Gate == nil {
		opts.Gate = control.NewGate(nil, opts.Logger)
	}

	m := &StateMachine{
		role:       opts.Role,
		feeding:    opts.Feeding,
		transport:  opts.Transport,
		negotiator: opts.Negotiator,
		source:     opts.Source,
		sink:       opts.Sink,
		gate:       opts.Gate,
		listener:   opts.Listener,
		logger:     opts.Logger.WithComponent("av"),
		metrics:    opts.Metrics,
	}
	m.initStateMachine()
	return m, nil
}

func (m *StateMachine) initStateMachine() {
	idle, opening, opened := StateIdle.String(), StateOpening.String(), StateOpened.String()
	started, closing := StateStarted.String(), StateClosing.String()

	m.fsm = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evConnect, Src: []string{idle}, Dst: opening},
			{Name: evOpenOK, Src: []string{opening}, Dst: opened},
			{Name: evOpenFail, Src: []string{opening}, Dst: idle},
			{Name: evStreamStart, Src: []string{opened}, Dst: started},
			{Name: evStreamSuspend, Src: []string{started}, Dst: opened},
			{Name: evDisconnect, Src: []string{opening, opened, started}, Dst: closing},
			{Name: evCloseDone, Src: []string{closing}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_" + idle:    func(ctx context.Context, e *fsm.Event) { m.enterIdle(ctx) },
			"enter_" + opened:  func(ctx context.Context, e *fsm.Event) { m.clearFlag(FlagPendingStart | FlagPendingStop) },
			"leave_" + opened:  func(ctx context.Context, e *fsm.Event) { m.clearFlag(FlagPendingStart) },
			"enter_" + started: func(ctx context.Context, e *fsm.Event) { m.enterStarted(ctx) },
			"leave_" + started: func(ctx context.Context, e *fsm.Event) { m.leaveStarted(ctx) },
			"enter_" + closing: func(ctx context.Context, e *fsm.Event) { m.flushActive(ctx) },
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.handleStateChange(ctx, parseState(e.Src), parseState(e.Dst))
			},
		},
	)
}

func (m *StateMachine) handleStateChange(ctx context.Context, from, to State) {
	m.logger.Info(ctx, "смена состояния",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("flags", m.flags.String()))
	m.metrics.Transition(from, to)
	if m.listener != nil {
		m.listener(from, to)
	}
}

// State текущее состояние
func (m *StateMachine) State() State { return parseState(m.fsm.Current()) }

// Flags текущие признаки
func (m *StateMachine) Flags() Flags { return m.flags }

// PeerAddr адрес пира текущего соединения
func (m *StateMachine) PeerAddr() string { return m.peerAddr }

// EDR признак канала с повышенной пропускной способностью
func (m *StateMachine) EDR() bool { return m.edr }

// Role роль локального устройства
func (m *StateMachine) Role() codec.Role { return m.role }

// StreamReady поток открыт и может быть запущен
func (m *StateMachine) StreamReady() bool {
	if m.flags.Has(FlagRemoteSuspend | FlagPendingStop) {
		return false
	}
	return m.State() == StateOpened
}

// StreamStartedReady поток запущен и не ожидает остановки
func (m *StateMachine) StreamStartedReady() bool {
	if m.flags.Has(FlagLocalSuspendPending | FlagRemoteSuspend | FlagPendingStop) {
		return false
	}
	return m.State() == StateStarted
}

// ClearRemoteSuspend снимает признак приостановки пиром
func (m *StateMachine) ClearRemoteSuspend() {
	m.clearFlag(FlagRemoteSuspend)
}

// AudioConfig параметры потока: декодера для приемника, кодировщика для источника
func (m *StateMachine) AudioConfig() control.AudioConfig {
	if m.sink != nil {
		c := m.sink.AudioConfig()
		return control.AudioConfig{SampleRate: c.SampleRate, Channels: c.Channels}
	}
	p := m.source.Params()
	return control.AudioConfig{SampleRate: p.SampleRate, Channels: p.Channels()}
}

// setFlag ставит признак. Ожидание старта и ожидание остановки взаимоисключающие.
func (m *StateMachine) setFlag(f Flags) {
	switch {
	case f.Has(FlagPendingStart):
		m.flags &^= FlagPendingStop
	case f.Has(FlagPendingStop):
		m.flags &^= FlagPendingStart
	}
	m.flags |= f
}

func (m *StateMachine) clearFlag(f Flags) {
	m.flags &^= f
}

// Dispatch обрабатывает событие. Необработанное событие оставляет
// состояние без изменений и возвращает ErrUnhandledEvent.
func (m *StateMachine) Dispatch(ctx context.Context, ev Event) error {
	err := m.dispatch(ctx, ev)
	for len(m.followUps) > 0 {
		next := m.followUps[0]
		m.followUps = m.followUps[1:]
		if ferr := m.dispatch(ctx, next); ferr != nil {
			m.logger.LogError(ctx, ferr, "ошибка обработки производного события",
				logging.String("event", EventName(next)))
		}
	}
	return err
}

func (m *StateMachine) dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case TickEvent:
		if m.source != nil && m.source.Running() {
			m.source.HandleTick(ctx, e.Now)
		}
		return nil
	case DrainEvent:
		if m.sink != nil {
			m.sink.Drain(ctx)
		}
		return nil
	case CommandEvent:
		return m.handleCommand(ctx, e.Command)
	}

	state := m.State()
	m.logger.Debug(ctx, "событие",
		logging.String("event", EventName(ev)),
		logging.String("state", state.String()),
		logging.String("flags", m.flags.String()))

	var handled bool
	var err error
	switch state {
	case StateIdle:
		handled, err = m.idleHandler(ctx, ev)
	case StateOpening:
		handled, err = m.openingHandler(ctx, ev)
	case StateOpened:
		handled, err = m.openedHandler(ctx, ev)
	case StateStarted:
		handled, err = m.startedHandler(ctx, ev)
	case StateClosing:
		handled, err = m.closingHandler(ctx, ev)
	}

	if !handled {
		m.logger.Warn(ctx, "необработанное событие",
			logging.String("event", EventName(ev)),
			logging.String("state", state.String()))
		m.metrics.UnhandledEvent(state, EventName(ev))
		return fmt.Errorf("%w: %s в состоянии %s", ErrUnhandledEvent, EventName(ev), state)
	}
	return err
}

func (m *StateMachine) transition(ctx context.Context, name string) error {
	err := m.fsm.Event(ctx, name)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		m.logger.LogError(ctx, err, "переход не выполнен", logging.String("transition", name))
		return fmt.Errorf("переход %s: %w", name, err)
	}
	return nil
}

// closeNow проводит соединение через Closing в Idle
func (m *StateMachine) closeNow(ctx context.Context) error {
	if err := m.transition(ctx, evDisconnect); err != nil {
		return err
	}
	return m.transition(ctx, evCloseDone)
}

func (m *StateMachine) idleHandler(ctx context.Context, ev Event) (bool, error) {
	switch e := ev.(type) {
	case ConnectRequest:
		return true, m.open(ctx, e.Addr)
	case PendingConnect:
		return true, m.open(ctx, e.Addr)
	case DisconnectRequest:
		m.logger.Warn(ctx, "нет соединения для разрыва")
		return true, nil
	}
	return false, nil
}

func (m *StateMachine) open(ctx context.Context, addr string) error {
	m.peerAddr = addr
	if err := m.transport.Open(addr); err != nil {
		m.peerAddr = ""
		return fmt.Errorf("открытие потока с %s: %w", addr, err)
	}
	return m.transition(ctx, evConnect)
}

func (m *StateMachine) openingHandler(ctx context.Context, ev Event) (bool, error) {
	switch e := ev.(type) {
	case Rejected:
		m.logger.Warn(ctx, "пир отклонил соединение", logging.String("peer", m.peerAddr))
		return true, m.transition(ctx, evOpenFail)

	case OpenResult:
		if !e.OK {
			m.logger.Warn(ctx, "поток не открыт", logging.String("peer", m.peerAddr))
			return true, m.transition(ctx, evOpenFail)
		}
		m.edr = e.EDR
		m.negotiator.OnOpen(e.MTU)
		if m.source != nil {
			m.source.SetEDR(e.EDR)
		}
		return true, m.transition(ctx, evOpenOK)

	case ConnectRequest:
		m.ignoreConnect(ctx, e.Addr)
		return true, nil
	case PendingConnect:
		m.ignoreConnect(ctx, e.Addr)
		return true, nil

	case DisconnectRequest:
		return true, m.disconnect(ctx)
	case CloseEvent:
		return true, m.closeNow(ctx)

	case Discovery, CapabilityReply, SetConfigRequest:
		return true, m.negotiate(ctx, ev)
	}
	return false, nil
}

func (m *StateMachine) ignoreConnect(ctx context.Context, addr string) {
	if addr == m.peerAddr {
		m.logger.Debug(ctx, "повторное соединение с тем же пиром проигнорировано", logging.String("peer", addr))
		return
	}
	m.logger.Warn(ctx, "соединение с другим пиром отклонено",
		logging.String("peer", addr), logging.String("current", m.peerAddr))
}

func (m *StateMachine) disconnect(ctx context.Context) error {
	err := m.transport.Close()
	if err != nil {
		m.logger.LogError(ctx, err, "ошибка закрытия транспорта")
	}
	if terr := m.transition(ctx, evDisconnect); terr != nil {
		return terr
	}
	if err != nil {
		return fmt.Errorf("закрытие потока: %w", err)
	}
	return nil
}

func (m *StateMachine) openedHandler(ctx context.Context, ev Event) (bool, error) {
	switch e := ev.(type) {
	case StartStreamRequest:
		return true, m.requestStart(ctx)
	case StartResult:
		return true, m.onStartResult(ctx, e)
	case ReconfigResult:
		return true, m.onReconfigResult(ctx, e)

	case SuspendResult:
		// приостановка пиром уже остановленного потока
		if e.OK && !e.Initiator && !m.flags.Has(FlagLocalSuspendPending) {
			m.setFlag(FlagRemoteSuspend)
		}
		return true, nil

	case DisconnectRequest:
		return true, m.disconnect(ctx)
	case CloseEvent:
		if m.flags.Has(FlagPendingStart) {
			m.ackPending(ctx, control.AckFailure, control.CommandStart)
		}
		return true, m.closeNow(ctx)

	case ConnectRequest:
		m.ignoreConnect(ctx, e.Addr)
		return true, nil

	case Discovery, CapabilityReply, SetConfigRequest:
		return true, m.negotiate(ctx, ev)
	}
	return false, nil
}

// requestStart для источника настраивает кодек под формат PCM,
// затем запрашивает старт или переконфигурацию
func (m *StateMachine) requestStart(ctx context.Context) error {
	m.setFlag(FlagPendingStart)

	if m.source != nil {
		sel, err := m.source.SetupCodec(ctx, m.negotiator, m.feeding)
		if err != nil {
			m.failStart(ctx)
			return err
		}
		if sel.Reconfigure {
			m.logger.Info(ctx, "конфигурация изменилась, поток переконфигурируется")
			if err := m.transport.Reconfigure(sel.Config); err != nil {
				m.failStart(ctx)
				return fmt.Errorf("переконфигурация потока: %w", err)
			}
			return nil
		}
	}

	if err := m.transport.Start(); err != nil {
		m.failStart(ctx)
		return fmt.Errorf("старт потока: %w", err)
	}
	return nil
}

func (m *StateMachine) failStart(ctx context.Context) {
	m.clearFlag(FlagPendingStart)
	m.ackPending(ctx, control.AckFailure, control.CommandStart)
}

func (m *StateMachine) onStartResult(ctx context.Context, e StartResult) error {
	if e.OK && e.Suspending {
		return nil
	}
	pending := m.flags.Has(FlagPendingStart)

	if !e.OK {
		m.logger.Warn(ctx, "старт потока не удался", logging.Bool("initiator", e.Initiator))
		if pending {
			m.failStart(ctx)
		}
		return nil
	}

	if m.role == codec.RoleSource {
		if !pending {
			// источник не принимает старт по инициативе пира
			m.logger.Info(ctx, "старт по инициативе пира, поток будет приостановлен")
			m.followUps = append(m.followUps, SuspendStreamRequest{})
		} else {
			m.ackPending(ctx, control.AckSuccess, control.CommandStart)
		}
	}
	return m.transition(ctx, evStreamStart)
}

func (m *StateMachine) onReconfigResult(ctx context.Context, e ReconfigResult) error {
	if !m.flags.Has(FlagPendingStart) {
		m.logger.Debug(ctx, "переконфигурация завершена", logging.Bool("ok", e.OK))
		return nil
	}
	if !e.OK {
		m.logger.Warn(ctx, "переконфигурация не удалась, старт отменен")
		m.failStart(ctx)
		return nil
	}
	if err := m.transport.Start(); err != nil {
		m.failStart(ctx)
		return fmt.Errorf("старт потока после переконфигурации: %w", err)
	}
	return nil
}

func (m *StateMachine) startedHandler(ctx context.Context, ev Event) (bool, error) {
	switch e := ev.(type) {
	case StartStreamRequest:
		// поток уже запущен, возможно пиром
		m.ackPending(ctx, control.AckSuccess, control.CommandStart)
		return true, nil

	case StopStreamRequest, SuspendStreamRequest:
		return true, m.requestSuspend(ctx)

	case SuspendResult:
		return true, m.onSuspendResult(ctx, e)
	case StopResult:
		return true, m.onStopResult(ctx, e)

	case DisconnectRequest:
		return true, m.disconnect(ctx)
	case CloseEvent:
		m.setFlag(FlagPendingStop)
		return true, m.closeNow(ctx)

	case Discovery, CapabilityReply, SetConfigRequest:
		return true, m.negotiate(ctx, ev)
	}
	return false, nil
}

// requestSuspend сбрасывает очередь активного конвейера и запрашивает
// приостановку. Локальная приостановка отменяет приостановку пиром.
func (m *StateMachine) requestSuspend(ctx context.Context) error {
	m.setFlag(FlagLocalSuspendPending)
	m.clearFlag(FlagRemoteSuspend)
	m.flushActive(ctx)

	if err := m.transport.Stop(true); err != nil {
		m.clearFlag(FlagLocalSuspendPending)
		m.ackPending(ctx, control.AckFailure, control.CommandStop, control.CommandSuspend)
		return fmt.Errorf("остановка потока: %w", err)
	}
	return nil
}

func (m *StateMachine) onSuspendResult(ctx context.Context, e SuspendResult) error {
	if !e.OK {
		m.clearFlag(FlagLocalSuspendPending)
		m.logger.Warn(ctx, "приостановка не удалась", logging.Bool("initiator", e.Initiator))
		if e.Initiator {
			m.ackPending(ctx, control.AckFailure, control.CommandStop, control.CommandSuspend)
		}
		return nil
	}

	if !e.Initiator && !m.flags.Has(FlagLocalSuspendPending) {
		m.setFlag(FlagRemoteSuspend)
		m.logger.Info(ctx, "поток приостановлен пиром")
	}
	if err := m.transition(ctx, evStreamSuspend); err != nil {
		return err
	}
	m.clearFlag(FlagLocalSuspendPending)
	m.ackPending(ctx, control.AckSuccess, control.CommandStop, control.CommandSuspend)
	return nil
}

func (m *StateMachine) onStopResult(ctx context.Context, e StopResult) error {
	if !e.OK {
		m.clearFlag(FlagLocalSuspendPending)
		m.logger.Warn(ctx, "остановка не удалась", logging.Bool("initiator", e.Initiator))
		if e.Initiator {
			m.ackPending(ctx, control.AckFailure, control.CommandStop, control.CommandSuspend)
		}
		return nil
	}
	m.setFlag(FlagPendingStop)
	m.flushActive(ctx)
	if err := m.transition(ctx, evStreamSuspend); err != nil {
		return err
	}
	m.clearFlag(FlagLocalSuspendPending)
	m.ackPending(ctx, control.AckSuccess, control.CommandStop, control.CommandSuspend)
	return nil
}

func (m *StateMachine) closingHandler(ctx context.Context, ev Event) (bool, error) {
	switch ev.(type) {
	case StopResult, StopStreamRequest:
		m.flushActive(ctx)
		return true, nil
	case CloseEvent:
		return true, m.transition(ctx, evCloseDone)
	}
	return false, nil
}

// negotiate передает события согласования кодека согласователю
func (m *StateMachine) negotiate(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Discovery:
		m.negotiator.OnDiscovery(e.Addr, e.NumSeps, e.NumSinks, e.NumSources)
		return nil

	case CapabilityReply:
		sel, err := m.negotiator.OnCapability(e.Endpoint, e.IsSink)
		if err != nil {
			m.logger.LogError(ctx, err, "согласование кодека не удалось")
			return err
		}
		if sel == nil {
			return nil
		}
		if sel.Reconfigure {
			if err := m.transport.Reconfigure(sel.Config); err != nil {
				return fmt.Errorf("переконфигурация потока: %w", err)
			}
		} else if err := m.transport.Configure(*sel); err != nil {
			return fmt.Errorf("передача конфигурации: %w", err)
		}
		if m.sink != nil {
			m.sink.SetContentProtection(sel.CPActive)
			return m.sink.HandleDecoderReset(ctx, sel.Config)
		}
		return nil

	case SetConfigRequest:
		res := m.negotiator.SetConfiguration(e.Request)
		if err := m.transport.ReplySetConfig(res.Status); err != nil {
			return fmt.Errorf("ответ на конфигурацию пира: %w", err)
		}
		if res.Status != codec.StatusSuccess {
			return nil
		}
		if m.peerAddr == "" {
			m.peerAddr = e.Request.Addr
		}
		if m.sink != nil {
			m.sink.SetContentProtection(m.negotiator.CPActive())
			return m.sink.HandleDecoderReset(ctx, m.negotiator.ActiveConfig())
		}
		return nil
	}
	return nil
}

// handleCommand сопоставляет команду приложения событию автомата.
// Подтверждение выдается сразу или по результату перехода.
func (m *StateMachine) handleCommand(ctx context.Context, cmd control.Command) error {
	if !m.gate.Issue(ctx, cmd) {
		return nil
	}

	switch cmd {
	case control.CommandCheckReady:
		m.ackStatus(ctx, m.StreamReady() || m.StreamStartedReady())

	case control.CommandStart:
		switch {
		case m.StreamReady():
			if err := m.requestStart(ctx); err != nil {
				return err
			}
			// приемник не ждет старта транспорта
			if m.role == codec.RoleSink {
				m.gate.Ack(ctx, control.AckSuccess)
			}
		case m.StreamStartedReady():
			m.gate.Ack(ctx, control.AckSuccess)
		default:
			m.gate.Ack(ctx, control.AckFailure)
		}

	case control.CommandStop:
		if m.State() != StateStarted || (m.source != nil && !m.source.Running()) {
			m.gate.Ack(ctx, control.AckSuccess)
			return nil
		}
		if m.flags.Has(FlagLocalSuspendPending) {
			return nil
		}
		return m.requestSuspend(ctx)

	case control.CommandSuspend:
		if m.StreamStartedReady() {
			return m.requestSuspend(ctx)
		}
		m.ClearRemoteSuspend()
		m.gate.Ack(ctx, control.AckSuccess)

	case control.CommandGetAudioConfig:
		m.gate.AckWithConfig(ctx, control.AckSuccess, m.AudioConfig())

	default:
		m.gate.Ack(ctx, control.AckFailure)
	}
	return nil
}

func (m *StateMachine) ackStatus(ctx context.Context, ok bool) {
	if ok {
		m.gate.Ack(ctx, control.AckSuccess)
		return
	}
	m.gate.Ack(ctx, control.AckFailure)
}

// ackPending подтверждает ожидающую команду, если это одна из cmds
func (m *StateMachine) ackPending(ctx context.Context, status control.AckStatus, cmds ...control.Command) {
	pending := m.gate.Pending()
	for _, c := range cmds {
		if c == pending {
			m.gate.Ack(ctx, status)
			return
		}
	}
}

func (m *StateMachine) enterStarted(ctx context.Context) {
	m.clearFlag(FlagRemoteSuspend)

	if m.source != nil {
		m.source.EncoderUpdate(ctx, m.negotiator)
		m.source.Start(ctx)
	}
	if m.sink != nil {
		m.sink.Start(ctx)
		m.sink.SetRxFlush(ctx, false)
	}
}

// leaveStarted освобождает очереди конвейеров на любом пути выхода
func (m *StateMachine) leaveStarted(ctx context.Context) {
	if m.source != nil {
		m.source.Stop(ctx)
	}
	if m.sink != nil {
		m.sink.SetRxFlush(ctx, true)
		m.sink.Stop(ctx)
	}
}

// flushActive немедленно прекращает передачу или прием кадров
func (m *StateMachine) flushActive(ctx context.Context) {
	if m.source != nil {
		m.source.SetTxFlush(true)
		m.source.TxFlush(ctx)
	}
	if m.sink != nil {
		m.sink.SetRxFlush(ctx, true)
	}
}

func (m *StateMachine) enterIdle(ctx context.Context) {
	m.peerAddr = ""
	m.flags = 0
	m.edr = false
	m.negotiator.OnClose()
	m.Release(ctx)
}

// Release останавливает конвейеры и закрывает ожидающую команду.
// Вызывается при входе в Idle и при завершении рабочего контекста.
func (m *StateMachine) Release(ctx context.Context) {
	if m.source != nil {
		m.source.Stop(ctx)
	}
	if m.sink != nil {
		m.sink.Stop(ctx)
	}
	switch m.gate.Pending() {
	case control.CommandStop, control.CommandSuspend:
		// поток остановлен вместе с соединением
		m.gate.Ack(ctx, control.AckSuccess)
	case control.CommandNone:
	default:
		m.gate.Ack(ctx, control.AckFailure)
	}
}
