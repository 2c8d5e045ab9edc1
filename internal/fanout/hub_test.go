package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQRSource struct {
	payload   string
	expiresAt time.Time
	ok        bool
}

func (f *fakeQRSource) CurrentQR(sessionID string) (string, time.Time, bool) {
	return f.payload, f.expiresAt, f.ok
}

func TestPublish_DeliversToSubscribedKey(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	defer h.Shutdown()

	sub := &Subscriber{UserID: "u1", Out: make(chan Event, 1)}
	h.Subscribe(UserKey("u1"), sub)

	h.Publish(Event{Type: EventMessageIncoming, Keys: []string{UserKey("u1")}, Payload: "hi"})

	select {
	case ev := <-sub.Out:
		require.Equal(t, EventMessageIncoming, ev.Type)
		require.Equal(t, "hi", ev.Payload)
	case <-time.After(time.Second):
		require.FailNow(t, "event not delivered")
	}
}

func TestPublish_DoesNotDeliverAfterUnsubscribe(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	defer h.Shutdown()

	sub := &Subscriber{UserID: "u1", Out: make(chan Event, 1)}
	key := UserKey("u1")
	h.Subscribe(key, sub)
	h.Unsubscribe(key, sub)

	h.Publish(Event{Type: EventMessageIncoming, Keys: []string{key}})

	select {
	case <-sub.Out:
		require.FailNow(t, "unsubscribed subscriber should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_SweepsBlockedSubscriber(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	defer h.Shutdown()

	blocked := &Subscriber{UserID: "u1", Out: make(chan Event)} // unbuffered, never read
	key := UserKey("u1")
	h.Subscribe(key, blocked)

	// The blocked subscriber's unbuffered channel can never accept a
	// non-blocking send, so this publish sweeps it from the routing set.
	h.Publish(Event{Type: EventMessageIncoming, Keys: []string{key}})

	live := &Subscriber{UserID: "u1", Out: make(chan Event, 1)}
	h.Subscribe(key, live)
	h.Publish(Event{Type: EventMessageSent, Keys: []string{key}})

	select {
	case ev := <-live.Out:
		require.Equal(t, EventMessageSent, ev.Type)
	case <-time.After(time.Second):
		require.FailNow(t, "live subscriber should still receive events")
	}
}

func TestSubscribe_ReplaysCurrentQRForSessionKey(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	h := NewHub(zap.NewNop(), &fakeQRSource{payload: "qr-data", expiresAt: expires, ok: true}, nil)
	defer h.Shutdown()

	sub := &Subscriber{UserID: "u1", Out: make(chan Event, 1)}
	h.Subscribe(SessionKey("s1"), sub)

	select {
	case ev := <-sub.Out:
		require.Equal(t, EventSessionQR, ev.Type)
		payload := ev.Payload.(map[string]interface{})
		require.Equal(t, "qr-data", payload["qr"])
	case <-time.After(time.Second):
		require.FailNow(t, "expected replayed qr event")
	}
}

func TestPublishWithWebhook_DispatchesOnlyWhenURLSet(t *testing.T) {
	calls := make(chan string, 2)
	wh := dispatcherFunc(func(url string, ev Event) { calls <- url })
	h := NewHub(zap.NewNop(), nil, wh)
	defer h.Shutdown()

	h.PublishWithWebhook(Event{Type: EventBroadcastCompleted}, "")
	select {
	case <-calls:
		require.FailNow(t, "should not dispatch with empty url")
	case <-time.After(50 * time.Millisecond):
	}

	h.PublishWithWebhook(Event{Type: EventBroadcastCompleted}, "https://example.test/hook")
	select {
	case url := <-calls:
		require.Equal(t, "https://example.test/hook", url)
	case <-time.After(time.Second):
		require.FailNow(t, "expected webhook dispatch")
	}
}

type dispatcherFunc func(url string, ev Event)

func (f dispatcherFunc) Dispatch(url string, ev Event) { f(url, ev) }
