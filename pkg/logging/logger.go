package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает имя уровня из конфигурации. Неизвестное имя дает info.
func ParseLevel(name string) LogLevel {
	for level, n := range logLevelNames {
		if strings.EqualFold(n, name) {
			return level
		}
	}
	return LogLevelInfo
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger интерфейс для структурированного логирования движка
type Logger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку вместе с ее кодом, если он есть
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) Logger
	WithFields(fields ...Field) Logger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Uint16(key string, value uint16) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{logrus.ErrorKey, err} }

// coder реализуется типизированными ошибками пакетов движка
type coder interface {
	ErrorCode() string
}

type sessionKey struct{}

// WithSessionID сохраняет идентификатор сессии в контексте.
// Все записи, сделанные с этим контекстом, получают поле session_id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID возвращает идентификатор сессии из контекста
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// LogrusLogger реализация Logger поверх logrus
type LogrusLogger struct {
	entry *logrus.Entry
}

// Options параметры создания логгера
type Options struct {
	Level  string
	Format string // json | text
	Output io.Writer
}

// New создает логгер по параметрам конфигурации
func New(opts Options) *LogrusLogger {
	base := logrus.New()
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	if strings.EqualFold(opts.Format, "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	base.SetLevel(ParseLevel(opts.Level).logrus())
	return FromLogrus(base)
}

// FromLogrus оборачивает готовый *logrus.Logger (например из hooks/test)
func FromLogrus(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// Nop возвращает логгер, отбрасывающий все записи
func Nop() *LogrusLogger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.PanicLevel)
	return FromLogrus(base)
}

func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(level.logrus())
}

func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.entry.Logger.IsLevelEnabled(level.logrus())
}

func (l *LogrusLogger) WithComponent(component string) Logger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

func (l *LogrusLogger) WithFields(fields ...Field) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrus(fields))}
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.TraceLevel, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.DebugLevel, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.InfoLevel, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.WarnLevel, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}
	fields = append(fields, Err(err))
	if c, ok := err.(coder); ok {
		fields = append(fields, String("error_code", c.ErrorCode()))
	}
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

func (l *LogrusLogger) log(ctx context.Context, level logrus.Level, msg string, fields []Field) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
		if id := SessionID(ctx); id != "" {
			entry = entry.WithField("session_id", id)
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrus(fields))
	}
	entry.Log(level, msg)
}

func toLogrus(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}
