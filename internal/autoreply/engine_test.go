package autoreply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/ratelimit"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (p *fakePublisher) Publish(ev fanout.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*t.Session
	rules    map[string][]t.ManualRule
	messages map[string]*t.Message
	statuses map[string]t.MessageStatus
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*t.Session{}, rules: map[string][]t.ManualRule{},
		messages: map[string]*t.Message{}, statuses: map[string]t.MessageStatus{},
	}
}

func (m *memStore) SessionGet(_ context.Context, sessionID string) (*t.Session, error) {
	return m.sessions[sessionID], nil
}
func (m *memStore) ManualRulesActive(_ context.Context, sessionID string) ([]t.ManualRule, error) {
	return m.rules[sessionID], nil
}
func (m *memStore) ConversationHistory(_ context.Context, sessionID, phone string, n int) ([]t.ConversationMessage, error) {
	return nil, nil
}
func (m *memStore) MessageInsert(_ context.Context, msg *t.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.MessageID] = &cp
	m.statuses[msg.MessageID] = msg.Status
	return true, nil
}
func (m *memStore) MessageUpdateStatus(_ context.Context, messageID string, status t.MessageStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[messageID] = status
	return nil
}

type allowAllLimiter struct{ recorded int }

func (l *allowAllLimiter) Check(_ context.Context, sessionID string) (ratelimit.Decision, error) {
	return ratelimit.Decision{CanSend: true}, nil
}
func (l *allowAllLimiter) RecordSent(_ context.Context, sessionID string) error {
	l.recorded++
	return nil
}

type denyLimiter struct{}

func (l *denyLimiter) Check(_ context.Context, sessionID string) (ratelimit.Decision, error) {
	return ratelimit.Decision{CanSend: false, Reason: ratelimit.ReasonHourCap, Delay: time.Hour}, nil
}
func (l *denyLimiter) RecordSent(_ context.Context, sessionID string) error { return nil }

type fakeHandle struct {
	presences []string
}

func (h *fakeHandle) SessionID() string    { return "s1" }
func (h *fakeHandle) IsAuthenticated() bool { return true }
func (h *fakeHandle) Send(_ context.Context, to, body string) (transport.SendReceipt, error) {
	return transport.SendReceipt{ProviderMessageID: "wamid-out"}, nil
}
func (h *fakeHandle) SendMedia(_ context.Context, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error) {
	return transport.SendReceipt{}, nil
}
func (h *fakeHandle) SetPresence(_ context.Context, to, presence string) error {
	h.presences = append(h.presences, presence)
	return nil
}
func (h *fakeHandle) MarkRead(_ context.Context, providerMessageID string) error { return nil }
func (h *fakeHandle) Contacts(_ context.Context) ([]transport.ContactEntry, error) { return nil, nil }
func (h *fakeHandle) Chats(_ context.Context) ([]string, error)                   { return nil, nil }
func (h *fakeHandle) GroupParticipants(_ context.Context, groupJID string) ([]transport.ParticipantEntry, error) {
	return nil, nil
}
func (h *fakeHandle) JoinedGroups(_ context.Context) ([]transport.GroupEntry, error) { return nil, nil }
func (h *fakeHandle) ResolveLIDs(_ context.Context, lids []string) (map[string]string, error) {
	return nil, nil
}
func (h *fakeHandle) Close(_ context.Context) error { return nil }

type fakeSender struct {
	handle *fakeHandle
	sent   []string
}

func (s *fakeSender) Send(_ context.Context, sessionID, to, body string) (transport.SendReceipt, error) {
	s.sent = append(s.sent, body)
	return transport.SendReceipt{ProviderMessageID: "wamid-out"}, nil
}
func (s *fakeSender) Handle(sessionID string) transport.Handle {
	if s.handle == nil {
		return nil
	}
	return s.handle
}

func newTestEngine(store Store, limiter RateLimiter, sender Sender, shipping *ShippingResponder, ai *AIResponder) *Engine {
	e := New(store, limiter, sender, &fakePublisher{}, shipping, ai, zap.NewNop(), kernel.NewFakeClock(time.Now()), kernel.NewFakeRNG(0.5), &kernel.SequentialIDGen{Prefix: "msg"})
	e.sleep = func(time.Duration) {}
	return e
}

func TestRespond_ManualRuleWins(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", PhoneNumber: "62800"}
	store.rules["s1"] = []t.ManualRule{{ID: 1, SessionID: "s1", Trigger: "halo", Mode: t.MatchContains, Priority: 10, Reply: "Halo juga!", Active: true}}
	limiter := &allowAllLimiter{}
	sender := &fakeSender{handle: &fakeHandle{}}
	e := newTestEngine(store, limiter, sender, nil, nil)

	e.Trigger("s1", "62899", "Halo kak, ada promo?")

	require.Len(t2, sender.sent, 1)
	require.Equal(t2, "Halo juga!", sender.sent[0])
	require.Equal(t2, 1, limiter.recorded)
}

func TestRespond_PublishesMessageSent(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", UserID: "u1", PhoneNumber: "62800"}
	store.rules["s1"] = []t.ManualRule{{ID: 1, SessionID: "s1", Trigger: "halo", Mode: t.MatchContains, Priority: 10, Reply: "Halo juga!", Active: true}}
	limiter := &allowAllLimiter{}
	sender := &fakeSender{handle: &fakeHandle{}}
	e := newTestEngine(store, limiter, sender, nil, nil)
	pub := e.pub.(*fakePublisher)

	e.Trigger("s1", "62899", "Halo kak, ada promo?")

	require.Len(t2, pub.events, 1)
	require.Equal(t2, fanout.EventMessageSent, pub.events[0].Type)
	require.Contains(t2, pub.events[0].Keys, fanout.SessionKey("s1"))
	require.Contains(t2, pub.events[0].Keys, fanout.UserKey("u1"))
}

func TestRespond_ShippingCommand(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", PhoneNumber: "62800"}
	limiter := &allowAllLimiter{}
	sender := &fakeSender{handle: &fakeHandle{}}
	shipping := NewShippingResponder(&fakeShippingProvider{})
	e := newTestEngine(store, limiter, sender, shipping, nil)

	e.Trigger("s1", "62899", "cek ongkir jakarta ke bandung 2kg jne")

	require.Len(t2, sender.sent, 1)
	require.Contains(t2, sender.sent[0], "Ongkir jakarta ke bandung")
}

func TestRespond_AIFallback(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", PhoneNumber: "62800", AIAssistantKind: "sales"}
	limiter := &allowAllLimiter{}
	sender := &fakeSender{handle: &fakeHandle{}}
	ai := NewAIResponder(&fakeAIAssistant{reply: "Terima kasih sudah menghubungi kami!"})
	e := newTestEngine(store, limiter, sender, nil, ai)

	e.Trigger("s1", "62899", "halo min, ada yang jual baju?")

	require.Len(t2, sender.sent, 1)
	require.Equal(t2, "Terima kasih sudah menghubungi kami!", sender.sent[0])
}

func TestRespond_RateLimitedDeniesSend(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", PhoneNumber: "62800"}
	store.rules["s1"] = []t.ManualRule{{ID: 1, SessionID: "s1", Trigger: "hi", Mode: t.MatchContains, Priority: 10, Reply: "yo", Active: true}}
	sender := &fakeSender{handle: &fakeHandle{}}
	e := newTestEngine(store, &denyLimiter{}, sender, nil, nil)

	e.Trigger("s1", "62899", "hi there")

	require.Empty(t2, sender.sent)
}

type fakeShippingProvider struct{}

func (f *fakeShippingProvider) Cost(_ context.Context, req transport.ShippingRequest) ([]transport.ShippingQuote, error) {
	return []transport.ShippingQuote{{Service: "REG", CostRupiah: 20000, ETADays: "2-3"}}, nil
}

type fakeAIAssistant struct{ reply string }

func (f *fakeAIAssistant) Reply(_ context.Context, req transport.AIRequest) (string, error) {
	return f.reply, nil
}
