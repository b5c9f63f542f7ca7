// Package natsfeed implements feed.Source over a NATS subject carrying
// JSON-encoded change events, the consumer side of a CDC bridge publishing
// row changes per table.
package natsfeed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/feed"
	"github.com/chatterhq/realtime/logger"
)

// DefaultSubject is the single shared subject root; the bridge publishes one
// message per row change on realtime.changes.<table>.
const DefaultSubject = "realtime.changes.>"

type Source struct {
	url     string
	subject string

	onEvent  feed.EventFunc
	onStatus feed.StatusFunc

	conn *nats.Conn
	sub  *nats.Subscription

	closed atomic.Bool
}

// Factory returns a feed.Factory for the given server URL and subject.
// An empty subject selects DefaultSubject.
func Factory(url, subject string) feed.Factory {
	if subject == "" {
		subject = DefaultSubject
	}
	return func(onEvent feed.EventFunc, onStatus feed.StatusFunc) feed.Source {
		return &Source{
			url:      url,
			subject:  subject,
			onEvent:  onEvent,
			onStatus: onStatus,
		}
	}
}

// Connect dials the server and opens the single subscription. The client's
// built-in reconnect is disabled: the dispatcher owns the one reconnect
// policy for the process.
func (s *Source) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return feed.ErrNotConnected
	}

	s.onStatus(feed.StatusConnecting, nil)

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.report(feed.StatusError, err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.report(feed.StatusClosed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats async error", "error", err)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	conn, err := nats.Connect(s.url, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	sub, err := conn.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats subscribe %s: %w", s.subject, err)
	}

	s.conn = conn
	s.sub = sub
	logger.Info("nats feed connected", "url", conn.ConnectedUrl(), "subject", s.subject)
	s.onStatus(feed.StatusOpen, nil)
	return nil
}

func (s *Source) handleMessage(msg *nats.Msg) {
	e, err := event.Decode(msg.Data)
	if err != nil {
		logger.Warn("dropping undecodable change event", "subject", msg.Subject, "error", err)
		return
	}
	s.onEvent(e)
}

// report forwards a transport status unless the source was closed locally;
// a close we initiated must not look like a failure to the dispatcher.
func (s *Source) report(status feed.Status, err error) {
	if s.closed.Load() {
		return
	}
	s.onStatus(status, err)
}

func (s *Source) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
