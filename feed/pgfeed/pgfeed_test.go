package pgfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/feed"
)

func newRecordingSource(statuses *[]feed.Status) *Source {
	return &Source{
		channel: DefaultChannel,
		onEvent: func(*event.ChangeEvent) {},
		onStatus: func(status feed.Status, _ error) {
			*statuses = append(*statuses, status)
		},
	}
}

func TestListenerEvent_StatusMapping(t *testing.T) {
	var statuses []feed.Status
	s := newRecordingSource(&statuses)

	s.listenerEvent(pq.ListenerEventConnected, nil)
	s.listenerEvent(pq.ListenerEventDisconnected, errors.New("connection reset"))
	s.listenerEvent(pq.ListenerEventReconnected, nil)
	s.listenerEvent(pq.ListenerEventConnectionAttemptFailed, errors.New("refused"))

	// One OPEN per established connection, never a duplicate from Connect;
	// attempt failures are logged only.
	assert.Equal(t, []feed.Status{feed.StatusOpen, feed.StatusError, feed.StatusOpen}, statuses)
}

func TestListenerEvent_SuppressedAfterClose(t *testing.T) {
	var statuses []feed.Status
	s := newRecordingSource(&statuses)

	s.Close()
	s.listenerEvent(pq.ListenerEventConnected, nil)
	s.listenerEvent(pq.ListenerEventDisconnected, errors.New("connection reset"))

	assert.Empty(t, statuses)
}

func TestConnect_RejectedAfterClose(t *testing.T) {
	src := Factory("postgres://u:p@localhost:5432/app", "", time.Second)(
		func(*event.ChangeEvent) {},
		func(feed.Status, error) {},
	)

	src.Close()
	require.ErrorIs(t, src.Connect(context.Background()), feed.ErrNotConnected)
}
