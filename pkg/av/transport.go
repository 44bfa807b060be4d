package av

import "github.com/arzzra/a2dp/pkg/codec"

// Transport сигнальный и транспортный уровень под движком.
// Результаты операций возвращаются в движок событиями
// OpenResult, StartResult, SuspendResult, CloseEvent и т.д.
type Transport interface {
	Open(addr string) error
	Close() error
	Start() error
	// Stop останавливает поток; suspend true запрашивает приостановку
	Stop(suspend bool) error
	Reconfigure(config []byte) error
	// Configure сообщает пиру выбранную конфигурацию (мы инициатор)
	Configure(sel codec.Selection) error
	// ReplySetConfig отвечает на конфигурацию, предложенную пиром
	ReplySetConfig(status codec.Status) error
	// DataReady в очереди передачи есть пакеты
	DataReady()
}
