package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPWebhookDispatcher_PostsEventPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPWebhookDispatcher(zap.NewNop(), 1)
	defer d.Stop()

	d.Dispatch(srv.URL, Event{Type: EventBroadcastCompleted, At: time.Now(), Payload: map[string]interface{}{"campaignId": "c1"}})

	select {
	case p := <-received:
		require.Equal(t, EventBroadcastCompleted, p.Type)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "webhook was not delivered")
	}
}

func TestHTTPWebhookDispatcher_DropsWhenQueueFull(t *testing.T) {
	d := &HTTPWebhookDispatcher{
		client: http.DefaultClient,
		logger: zap.NewNop(),
		jobs:   make(chan webhookJob), // zero-capacity, no workers draining
		done:   make(chan struct{}),
	}
	defer close(d.done)

	require.NotPanics(t, func() {
		d.Dispatch("https://example.test/hook", Event{Type: EventMessageIncoming})
	})
}
