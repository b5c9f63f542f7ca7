// Package pgfeed implements feed.Source over Postgres LISTEN/NOTIFY. All row
// changes arrive on one shared channel; database triggers publish one JSON
// change event per NOTIFY payload.
package pgfeed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/feed"
	"github.com/chatterhq/realtime/logger"
)

// DefaultChannel is the single shared notification channel. Per-table
// channels were rejected: one channel keeps the connection count flat as
// tables are added.
const DefaultChannel = "realtime_changes"

type Source struct {
	dsn            string
	channel        string
	reconnectDelay time.Duration

	onEvent  feed.EventFunc
	onStatus feed.StatusFunc

	listener *pq.Listener
	closed   atomic.Bool
}

// Factory returns a feed.Factory for the given DSN and channel. An empty
// channel selects DefaultChannel. reconnectDelay is handed to pq as both the
// minimum and maximum reconnect interval, so the driver's internal retry uses
// the same flat delay as the dispatcher.
func Factory(dsn, channel string, reconnectDelay time.Duration) feed.Factory {
	if channel == "" {
		channel = DefaultChannel
	}
	return func(onEvent feed.EventFunc, onStatus feed.StatusFunc) feed.Source {
		return &Source{
			dsn:            dsn,
			channel:        channel,
			reconnectDelay: reconnectDelay,
			onEvent:        onEvent,
			onStatus:       onStatus,
		}
	}
}

func (s *Source) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return feed.ErrNotConnected
	}

	s.onStatus(feed.StatusConnecting, nil)

	s.listener = pq.NewListener(s.dsn, s.reconnectDelay, s.reconnectDelay, s.listenerEvent)
	if err := s.listener.Listen(s.channel); err != nil {
		s.listener.Close()
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}

	go s.consume(ctx)

	logger.Info("postgres feed listening", "channel", s.channel)
	return nil
}

// listenerEvent owns the OPEN transition: Connect stays silent on success so
// each established connection reports OPEN exactly once.
func (s *Source) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		s.report(feed.StatusOpen, nil)
	case pq.ListenerEventDisconnected:
		s.report(feed.StatusError, err)
	case pq.ListenerEventConnectionAttemptFailed:
		logger.Warn("postgres feed connection attempt failed", "error", err)
	}
}

func (s *Source) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				s.report(feed.StatusClosed, nil)
				return
			}
			if n == nil {
				// pq sends a nil notification after an internal reconnect.
				continue
			}
			e, err := event.Decode([]byte(n.Extra))
			if err != nil {
				logger.Warn("dropping undecodable change event", "channel", n.Channel, "error", err)
				continue
			}
			s.onEvent(e)
		}
	}
}

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
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logger.Warn("postgres feed close", "error", err)
		}
	}
}
