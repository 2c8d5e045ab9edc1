package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/ratelimit"
	"github.com/relaymesh/gateway/internal/transport"
)

type fakeSendSvc struct {
	sentBodies []string
	sentMedia  []string
}

func (f *fakeSendSvc) Send(_ context.Context, sessionID, to, body string) (transport.SendReceipt, error) {
	f.sentBodies = append(f.sentBodies, body)
	return transport.SendReceipt{ProviderMessageID: "wamid-1"}, nil
}

func (f *fakeSendSvc) SendMedia(_ context.Context, sessionID, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error) {
	f.sentMedia = append(f.sentMedia, mediaURL)
	return transport.SendReceipt{ProviderMessageID: "wamid-2"}, nil
}

type fakeSendLimiter struct {
	deny bool
}

func (f *fakeSendLimiter) Check(_ context.Context, sessionID string) (ratelimit.Decision, error) {
	if f.deny {
		return ratelimit.Decision{CanSend: false, Reason: "minute_cap"}, nil
	}
	return ratelimit.Decision{CanSend: true}, nil
}

func (f *fakeSendLimiter) RecordSent(_ context.Context, sessionID string) error { return nil }

func newMessagesTestRouter(mh *MessageHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(userIdentity)
	r.Route("/api", func(r chi.Router) { mh.Mount(r) })
	return r
}

func TestSendMessage_SendsBody(t2 *testing.T) {
	sender := &fakeSendSvc{}
	r := newMessagesTestRouter(NewMessageHandler(sender, &fakeSendLimiter{}))

	body := bytes.NewBufferString(`{"sessionId":"s1","to":"628111","body":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send-message", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusOK, rec.Code)
	require.Equal(t2, []string{"hello"}, sender.sentBodies)
}

func TestSendMessage_RejectsMissingTo(t2 *testing.T) {
	sender := &fakeSendSvc{}
	r := newMessagesTestRouter(NewMessageHandler(sender, &fakeSendLimiter{}))

	body := bytes.NewBufferString(`{"sessionId":"s1","body":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send-message", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_RateLimitedMaps429(t2 *testing.T) {
	sender := &fakeSendSvc{}
	r := newMessagesTestRouter(NewMessageHandler(sender, &fakeSendLimiter{deny: true}))

	body := bytes.NewBufferString(`{"sessionId":"s1","to":"628111","body":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send-message", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusTooManyRequests, rec.Code)
	require.Empty(t2, sender.sentBodies)
}

func TestSendMedia_SendsMediaURL(t2 *testing.T) {
	sender := &fakeSendSvc{}
	r := newMessagesTestRouter(NewMessageHandler(sender, &fakeSendLimiter{}))

	body := bytes.NewBufferString(`{"sessionId":"s1","to":"628111","kind":"image","mediaUrl":"https://cdn.example.com/a.jpg"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send-media", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusOK, rec.Code)
	require.Equal(t2, []string{"https://cdn.example.com/a.jpg"}, sender.sentMedia)
}

func TestSendMedia_RejectsInvalidURL(t2 *testing.T) {
	sender := &fakeSendSvc{}
	r := newMessagesTestRouter(NewMessageHandler(sender, &fakeSendLimiter{}))

	body := bytes.NewBufferString(`{"sessionId":"s1","to":"628111","kind":"image","mediaUrl":"not-a-url"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send-media", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusBadRequest, rec.Code)
}
