// Package feed abstracts the streaming change-feed transport behind a small
// Source interface so the dispatcher can run the same lifecycle over NATS,
// Postgres LISTEN/NOTIFY, or a test double.
package feed

import (
	"context"
	"errors"

	"github.com/chatterhq/realtime/event"
)

// Status describes the single streaming connection.
type Status string

const (
	StatusConnecting Status = "CONNECTING"
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "ERROR"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal reports whether the status requires the dispatcher to schedule a
// reconnect.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusError, StatusTimeout:
		return true
	}
	return false
}

// ErrNotConnected is returned by Connect on a source that has already been
// closed; sources are single-use.
var ErrNotConnected = errors.New("feed is not connected")

// EventFunc receives each decoded change event in source-emission order.
type EventFunc func(*event.ChangeEvent)

// StatusFunc receives connection status transitions. err is non-nil only for
// StatusError and StatusTimeout.
type StatusFunc func(status Status, err error)

// Source is one streaming connection to a change feed. Connect establishes
// the subscription and returns; events and status transitions are delivered
// asynchronously through the callbacks supplied at construction. Close
// releases the connection and is safe to call more than once. A Source is
// single-use: after Close the dispatcher builds a fresh one.
type Source interface {
	Connect(ctx context.Context) error
	Close()
}

// Factory builds a fresh Source wired to the given callbacks. The dispatcher
// calls it on every (re)connect so prior connection handles are never reused.
type Factory func(onEvent EventFunc, onStatus StatusFunc) Source
