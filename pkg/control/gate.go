// Package control реализует протокол управляющих команд приложения:
// не более одной ожидающей команды и ровно одно подтверждение на команду.
package control

import (
	"context"
	"fmt"

	"github.com/arzzra/a2dp/pkg/logging"
)

// Command команда приложения
type Command int

const (
	CommandNone Command = iota
	CommandCheckReady
	CommandStart
	CommandStop
	CommandSuspend
	CommandGetAudioConfig
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandCheckReady:
		return "check_ready"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandSuspend:
		return "suspend"
	case CommandGetAudioConfig:
		return "get_audio_config"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// AckStatus результат выполнения команды
type AckStatus int

const (
	AckSuccess AckStatus = iota
	AckFailure
	AckBusy
)

func (s AckStatus) String() string {
	switch s {
	case AckSuccess:
		return "success"
	case AckFailure:
		return "failure"
	case AckBusy:
		return "busy"
	default:
		return fmt.Sprintf("AckStatus(%d)", int(s))
	}
}

// AudioConfig параметры декодированного потока в ответе на GetAudioConfig
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Ack подтверждение команды
type Ack struct {
	Command     Command
	Status      AckStatus
	AudioConfig *AudioConfig
}

func (a Ack) String() string {
	if a.AudioConfig != nil {
		return fmt.Sprintf("Ack{%s %s %d Гц x%d}", a.Command, a.Status, a.AudioConfig.SampleRate, a.AudioConfig.Channels)
	}
	return fmt.Sprintf("Ack{%s %s}", a.Command, a.Status)
}

// Acker получает подтверждения команд
type Acker interface {
	OnAck(ack Ack)
}

// AckerFunc адаптер функции к Acker
type AckerFunc func(Ack)

func (f AckerFunc) OnAck(ack Ack) { f(ack) }

// Gate хранит ожидающую команду. Принадлежит контексту обработчика,
// блокировок не содержит.
type Gate struct {
	pending Command
	acker   Acker
	logger  logging.Logger
}

func NewGate(acker Acker, logger logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{acker: acker, logger: logger.WithComponent("control")}
}

// Issue делает cmd ожидающей. Если команда уже ожидает, cmd сразу
// подтверждается как busy, ожидающая не меняется.
// CommandNone означает отсутствие команды: она не принимается
// и не подтверждается, Issue возвращает false с предупреждением.
func (g *Gate) Issue(ctx context.Context, cmd Command) bool {
	if cmd == CommandNone {
		g.logger.Warn(ctx, "пустая команда проигнорирована")
		return false
	}
	if g.pending != CommandNone {
		g.logger.Warn(ctx, "команда отклонена: есть ожидающая",
			logging.String("command", cmd.String()),
			logging.String("pending", g.pending.String()))
		g.deliver(Ack{Command: cmd, Status: AckBusy})
		return false
	}
	g.pending = cmd
	g.logger.Debug(ctx, "команда принята", logging.String("command", cmd.String()))
	return true
}

// Pending текущая ожидающая команда
func (g *Gate) Pending() Command { return g.pending }

// HasPending true если есть ожидающая команда
func (g *Gate) HasPending() bool { return g.pending != CommandNone }

// Ack подтверждает ожидающую команду и освобождает слот.
// Без ожидающей команды пишет предупреждение и возвращает false.
func (g *Gate) Ack(ctx context.Context, status AckStatus) bool {
	return g.ack(ctx, Ack{Status: status})
}

// AckWithConfig подтверждает команду с параметрами потока
func (g *Gate) AckWithConfig(ctx context.Context, status AckStatus, cfg AudioConfig) bool {
	return g.ack(ctx, Ack{Status: status, AudioConfig: &cfg})
}

func (g *Gate) ack(ctx context.Context, a Ack) bool {
	if g.pending == CommandNone {
		g.logger.Warn(ctx, "подтверждение без ожидающей команды",
			logging.String("status", a.Status.String()))
		return false
	}
	a.Command = g.pending
	g.pending = CommandNone
	g.logger.Debug(ctx, "команда подтверждена",
		logging.String("command", a.Command.String()),
		logging.String("status", a.Status.String()))
	g.deliver(a)
	return true
}

func (g *Gate) deliver(a Ack) {
	if g.acker != nil {
		g.acker.OnAck(a)
	}
}
