package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
)

func newTestSocketHandler() *SocketHandler {
	return NewSocketHandler(fanout.NewHub(zap.NewNop(), nil, nil), zap.NewNop())
}

func TestHandleClientEvent_SubscribeSessionTracksKey(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "subscribe:session sess-1")

	_, ok := tracked.keys[fanout.SessionKey("sess-1")]
	require.True(t2, ok)
}

func TestHandleClientEvent_UnsubscribeSessionRemovesKey(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "subscribe:session sess-1")
	h.handleClientEvent(sub, tracked, "unsubscribe:session sess-1")

	_, ok := tracked.keys[fanout.SessionKey("sess-1")]
	require.False(t2, ok)
}

func TestHandleClientEvent_SubscribeBroadcastTracksKey(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "subscribe:broadcast camp-1")

	_, ok := tracked.keys[fanout.BroadcastKey("camp-1")]
	require.True(t2, ok)
}

func TestHandleClientEvent_PingRepliesWithPong(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "ping")

	select {
	case ev := <-sub.Out:
		require.Equal(t2, fanout.EventType("pong"), ev.Type)
	default:
		t2.Fatal("expected a pong event on the subscriber's channel")
	}
}

func TestHandleClientEvent_UnknownVerbIsIgnored(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "frobnicate sess-1")

	require.Empty(t2, tracked.keys)
}

func TestUnsubscribeAll_RemovesEverySubscription(t2 *testing.T) {
	h := newTestSocketHandler()
	sub := &fanout.Subscriber{UserID: "user-1", Out: make(chan fanout.Event, 4)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.handleClientEvent(sub, tracked, "subscribe:session sess-1")
	h.handleClientEvent(sub, tracked, "subscribe:broadcast camp-1")

	h.unsubscribeAll(tracked, sub)

	h.hub.Publish(fanout.Event{Type: fanout.EventSessionStatus, Keys: []string{fanout.SessionKey("sess-1"), fanout.BroadcastKey("camp-1")}})
	select {
	case ev := <-sub.Out:
		t2.Fatalf("unsubscribed subscriber still received %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
