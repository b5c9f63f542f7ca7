package natsfeed

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/feed"
)

func newMsg(t *testing.T, subject, payload string) *nats.Msg {
	t.Helper()
	return &nats.Msg{Subject: subject, Data: []byte(payload)}
}

func TestConnect_RejectedAfterClose(t *testing.T) {
	src := Factory("nats://127.0.0.1:4222", "")(
		func(*event.ChangeEvent) {},
		func(feed.Status, error) {},
	)

	src.Close()
	require.ErrorIs(t, src.Connect(context.Background()), feed.ErrNotConnected)
}

func TestReport_SuppressedAfterClose(t *testing.T) {
	var statuses []feed.Status
	s := &Source{
		onEvent: func(*event.ChangeEvent) {},
		onStatus: func(status feed.Status, _ error) {
			statuses = append(statuses, status)
		},
	}

	s.Close()
	s.report(feed.StatusError, errors.New("connection reset"))
	s.report(feed.StatusClosed, nil)

	assert.Empty(t, statuses)
}

func TestHandleMessage_DropsUndecodablePayload(t *testing.T) {
	var received []*event.ChangeEvent
	s := &Source{
		subject: DefaultSubject,
		onEvent: func(e *event.ChangeEvent) {
			received = append(received, e)
		},
		onStatus: func(feed.Status, error) {},
	}

	s.handleMessage(newMsg(t, "realtime.changes.posts", `{"table":`))
	assert.Empty(t, received)

	s.handleMessage(newMsg(t, "realtime.changes.posts",
		`{"schema":"public","table":"posts","type":"INSERT","new":{"id":"1"}}`))
	require.Len(t, received, 1)
	assert.Equal(t, "posts", received[0].Table)
}
