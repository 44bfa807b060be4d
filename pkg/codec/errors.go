package codec

import (
	"errors"
	"fmt"
)

// Status результат согласования, передается транспорту как код ответа
type Status int

const (
	StatusSuccess Status = iota
	// StatusFeedingNotSupported ни одна конечная точка пира не подходит под формат
	StatusFeedingNotSupported
	// StatusCPNotSupported пир не поддерживает требуемую защиту контента
	StatusCPNotSupported
	StatusBadCPType
	StatusWrongCodec
	StatusBadParams
	StatusBusy
	StatusNotOpened
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFeedingNotSupported:
		return "FeedingNotSupported"
	case StatusCPNotSupported:
		return "CPNotSupported"
	case StatusBadCPType:
		return "BadCPType"
	case StatusWrongCodec:
		return "WrongCodec"
	case StatusBadParams:
		return "BadParams"
	case StatusBusy:
		return "Busy"
	case StatusNotOpened:
		return "NotOpened"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// NegotiationError ошибка согласования конфигурации.
// Для приложения она видна как отрицательное подтверждение команды.
type NegotiationError struct {
	Status  Status
	Message string
	Peer    string
	Wrapped error
}

func newNegotiationError(status Status, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (e *NegotiationError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("[кодек:%s] пир %s: %s", e.Status, e.Peer, e.Message)
	}
	return fmt.Sprintf("[кодек:%s] %s", e.Status, e.Message)
}

func (e *NegotiationError) Unwrap() error { return e.Wrapped }

// Is сравнивает ошибки по статусу
func (e *NegotiationError) Is(target error) bool {
	if t, ok := target.(*NegotiationError); ok {
		return e.Status == t.Status
	}
	return false
}

// ErrorCode используется логгером для поля error_code
func (e *NegotiationError) ErrorCode() string { return e.Status.String() }

// StatusOf извлекает статус из цепочки ошибок. nil дает StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne.Status
	}
	return StatusBadParams
}
