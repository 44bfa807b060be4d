package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок медиаконвейеров.
// Все эти ошибки восстанавливаются локально и не завершают сессию.
type MediaErrorCode int

const (
	// Ошибки очереди
	ErrorCodeQueueFull MediaErrorCode = iota + 1000
	ErrorCodeQueueFlushing
	ErrorCodeQueueReleased

	// Ошибки источника
	ErrorCodeFeedUnderflow
	ErrorCodeEncodeFailed
	ErrorCodeFormatUnsupported

	// Ошибки приемника
	ErrorCodeDecodeFailed
	ErrorCodeSequenceGap
	ErrorCodeInvalidFrame
	ErrorCodeDecoderConfig
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeQueueFull:
		return "QueueFull"
	case ErrorCodeQueueFlushing:
		return "QueueFlushing"
	case ErrorCodeQueueReleased:
		return "QueueReleased"
	case ErrorCodeFeedUnderflow:
		return "FeedUnderflow"
	case ErrorCodeEncodeFailed:
		return "EncodeFailed"
	case ErrorCodeFormatUnsupported:
		return "FormatUnsupported"
	case ErrorCodeDecodeFailed:
		return "DecodeFailed"
	case ErrorCodeSequenceGap:
		return "SequenceGap"
	case ErrorCodeInvalidFrame:
		return "InvalidFrame"
	case ErrorCodeDecoderConfig:
		return "DecoderConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError ошибка медиаконвейера.
// Несет код, контекст (глубина очереди, номера последовательности)
// и идентификатор сессии для сопоставления с логами.
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// NewMediaError создает ошибку с контекстом
func NewMediaError(code MediaErrorCode, message string, context map[string]interface{}) *MediaError {
	return &MediaError{Code: code, Message: message, Context: context}
}

// Error реализует интерфейс error
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%s] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, e.Message)
}

func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// ErrorCode используется логгером для поля error_code
func (e *MediaError) ErrorCode() string {
	return e.Code.String()
}

// GetContext возвращает значение из контекста ошибки по ключу
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// Сигнальные ошибки для errors.Is
var (
	ErrQueueFull     = &MediaError{Code: ErrorCodeQueueFull, Message: "очередь заполнена"}
	ErrQueueFlushing = &MediaError{Code: ErrorCodeQueueFlushing, Message: "очередь сбрасывается"}
	ErrQueueReleased = &MediaError{Code: ErrorCodeQueueReleased, Message: "очередь освобождена"}
)

// WrapMediaError оборачивает существующую ошибку в MediaError
func WrapMediaError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr.Code == code
	}
	return false
}

// IsRecoverableError определяет, продолжает ли конвейер работу после ошибки
func IsRecoverableError(err error) bool {
	var mediaErr *MediaError
	if !errors.As(err, &mediaErr) {
		return false
	}
	switch mediaErr.Code {
	case ErrorCodeQueueFull, ErrorCodeQueueFlushing, ErrorCodeFeedUnderflow,
		ErrorCodeEncodeFailed, ErrorCodeDecodeFailed, ErrorCodeSequenceGap, ErrorCodeInvalidFrame:
		return true
	default:
		return false
	}
}
