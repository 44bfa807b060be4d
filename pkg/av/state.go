package av

import (
	"strings"
)

// State состояние соединения A2DP
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpened
	StateStarted
	StateClosing
)

var stateNames = [...]string{
	StateIdle:    "idle",
	StateOpening: "opening",
	StateOpened:  "opened",
	StateStarted: "started",
	StateClosing: "closing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateIdle
}

// Flags дополнительные признаки состояния
type Flags uint8

const (
	// FlagLocalSuspendPending локальная приостановка ожидает подтверждения
	FlagLocalSuspendPending Flags = 1 << iota
	// FlagRemoteSuspend поток приостановлен пиром, не возобновляется до явного сброса
	FlagRemoteSuspend
	FlagPendingStart
	FlagPendingStop
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagLocalSuspendPending, "local_suspend_pending"},
		{FlagRemoteSuspend, "remote_suspend"},
		{FlagPendingStart, "pending_start"},
		{FlagPendingStop, "pending_stop"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
