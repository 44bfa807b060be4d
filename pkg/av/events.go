package av

import (
	"time"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/control"
)

// Event событие автомата соединения. Набор реализаций закрыт.
type Event interface {
	eventName() string
}

// EventName имя события для логов и метрик
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

// Запросы приложения

type ConnectRequest struct {
	Addr string
}

// PendingConnect входящее соединение от пира
type PendingConnect struct {
	Addr string
}

type DisconnectRequest struct{}

type StartStreamRequest struct{}

type StopStreamRequest struct{}

type SuspendStreamRequest struct{}

// CommandEvent управляющая команда приложения
type CommandEvent struct {
	Command control.Command
}

// Результаты транспорта

// OpenResult результат открытия потока
type OpenResult struct {
	OK  bool
	EDR bool
	MTU int
}

// Rejected пир отклонил соединение
type Rejected struct{}

// StartResult подтверждение старта потока.
// Initiator false означает старт по инициативе пира.
type StartResult struct {
	OK         bool
	Initiator  bool
	Suspending bool
}

type SuspendResult struct {
	OK        bool
	Initiator bool
}

type StopResult struct {
	OK        bool
	Initiator bool
}

// CloseEvent транспорт закрыт
type CloseEvent struct {
	Reason int
}

type ReconfigResult struct {
	OK bool
}

// События согласования кодека

// Discovery результат обнаружения конечных точек пира
type Discovery struct {
	Addr       string
	NumSeps    int
	NumSinks   int
	NumSources int
}

// CapabilityReply возможности одной конечной точки пира
type CapabilityReply struct {
	Endpoint codec.Endpoint
	IsSink   bool
}

// SetConfigRequest конфигурация, предложенная пиром
type SetConfigRequest struct {
	Request codec.SetConfigRequest
}

// Пробуждения рабочего контекста

// TickEvent срабатывание таймера тактирования источника
type TickEvent struct {
	Now time.Time
}

// DrainEvent очередь приема достигла порога
type DrainEvent struct{}

func (ConnectRequest) eventName() string       { return "connect_request" }
func (PendingConnect) eventName() string       { return "pending_connect" }
func (DisconnectRequest) eventName() string    { return "disconnect_request" }
func (StartStreamRequest) eventName() string   { return "start_stream_request" }
func (StopStreamRequest) eventName() string    { return "stop_stream_request" }
func (SuspendStreamRequest) eventName() string { return "suspend_stream_request" }
func (CommandEvent) eventName() string         { return "command" }
func (OpenResult) eventName() string           { return "open_result" }
func (Rejected) eventName() string             { return "rejected" }
func (StartResult) eventName() string          { return "start_result" }
func (SuspendResult) eventName() string        { return "suspend_result" }
func (StopResult) eventName() string           { return "stop_result" }
func (CloseEvent) eventName() string           { return "close" }
func (ReconfigResult) eventName() string       { return "reconfig_result" }
func (Discovery) eventName() string            { return "discovery" }
func (CapabilityReply) eventName() string      { return "capability_reply" }
func (SetConfigRequest) eventName() string     { return "set_config_request" }
func (TickEvent) eventName() string            { return "tick" }
func (DrainEvent) eventName() string           { return "drain" }
