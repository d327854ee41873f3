// Package notify fans trading events out to operators. Delivery is
// fire-and-forget: a failed notification never affects trading.
package notify

import (
	"time"

	"github.com/rs/zerolog"
)

// Kind labels the event for routing and formatting.
type Kind string

const (
	// Entry fires when a position opens.
	Entry Kind = "entry"
	// Exit fires when a position closes.
	Exit Kind = "exit"
	// StopAdjust fires when a trailing stop ratchets.
	StopAdjust Kind = "stop_adjust"
	// SweepUpdate fires when the screened candidate set changes.
	SweepUpdate Kind = "sweep_update"
	// Error fires for symbol-scoped data or execution failures.
	Error Kind = "error"
	// Engine fires for lifecycle transitions (start, stop, fatal).
	Engine Kind = "engine"
)

// Event is one operator-visible occurrence.
type Event struct {
	Kind    Kind
	Symbol  string
	Message string
	Ts      time.Time
}

// Notifier delivers events. Implementations must never block trading or
// return delivery errors to the caller.
type Notifier interface {
	Notify(Event)
}

// Log writes events through the structured logger. It is the default
// notifier and the fallback when no chat channel is configured.
type Log struct {
	log zerolog.Logger
}

// NewLog builds a logger-backed notifier.
func NewLog(log zerolog.Logger) *Log { return &Log{log: log} }

// Notify logs the event at a level matching its kind.
func (l *Log) Notify(ev Event) {
	entry := l.log.Info()
	if ev.Kind == Error {
		entry = l.log.Warn()
	}
	entry.Str("kind", string(ev.Kind)).Str("symbol", ev.Symbol).Msg(ev.Message)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

// Notify delivers to every member.
func (m Multi) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}
