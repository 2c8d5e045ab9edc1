package inbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

type memStore struct {
	mu            sync.Mutex
	sessions      map[string]*t.Session
	messages      map[string]*t.Message
	contacts      []t.Contact
	groupMembers  []t.GroupMember
	participantN  map[string]int
	conversations map[string]*t.Conversation
	convMessages  []t.ConversationMessage
	nextConvID    int64
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*t.Session{}, messages: map[string]*t.Message{},
		participantN: map[string]int{}, conversations: map[string]*t.Conversation{},
	}
}

func (m *memStore) SessionGet(_ context.Context, sessionID string) (*t.Session, error) {
	return m.sessions[sessionID], nil
}

func (m *memStore) MessageInsert(_ context.Context, msg *t.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.MessageID]; ok {
		return false, nil
	}
	cp := *msg
	m.messages[msg.MessageID] = &cp
	return true, nil
}

func (m *memStore) ContactUpsert(_ context.Context, c *t.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append(m.contacts, *c)
	return nil
}

func (m *memStore) GroupMemberUpsert(_ context.Context, gm *t.GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupMembers = append(m.groupMembers, *gm)
	return nil
}

func (m *memStore) GroupSetParticipantCount(_ context.Context, groupJID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participantN[groupJID] = n
	return nil
}

func (m *memStore) ConversationUpsert(_ context.Context, sessionID, phone string) (*t.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionID + "/" + phone
	c, ok := m.conversations[key]
	if !ok {
		m.nextConvID++
		c = &t.Conversation{ID: m.nextConvID, SessionID: sessionID, Phone: phone}
		m.conversations[key] = c
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ConversationAppendMessage(_ context.Context, convID int64, dir t.MessageDirection, content string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convMessages = append(m.convMessages, t.ConversationMessage{ConversationID: convID, Direction: dir, Content: content, CreatedAt: at})
	return nil
}

type fakeHandleProvider struct {
	connected bool
	handle    transport.Handle
}

func (f *fakeHandleProvider) Handle(sessionID string) transport.Handle { return f.handle }
func (f *fakeHandleProvider) IsConnected(_ context.Context, sessionID string) (bool, error) {
	return f.connected, nil
}

type recordingPub struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recordingPub) Publish(ev fanout.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPub) PublishWithWebhook(ev fanout.Event, webhookURL string) {
	r.Publish(ev)
}

type recordingTrigger struct {
	mu       sync.Mutex
	triggers [][3]string
}

func (r *recordingTrigger) Trigger(sessionID, phone, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, [3]string{sessionID, phone, text})
}

func newTestDispatcher(store Store, sessions HandleProvider, pub Publisher, trig AutoReplyTrigger) *Dispatcher {
	d := New(store, sessions, pub, trig, zap.NewNop(), kernel.NewFakeClock(time.Now()), kernel.NewFakeRNG(0.5), &kernel.SequentialIDGen{Prefix: "msg"})
	d.sleep = func(time.Duration) {} // don't actually sleep in tests
	return d
}

func TestHandle_PersistsAndTriggersAutoReply(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", UserID: "u1", Status: t.SessionConnected, Settings: t.SessionSettings{AutoReplyEnabled: true, AutoSaveContacts: true}}
	pub := &recordingPub{}
	trig := &recordingTrigger{}
	d := newTestDispatcher(store, &fakeHandleProvider{connected: true}, pub, trig)

	err := d.Handle(context.Background(), "s1", transport.InboundEvent{
		RemoteJID: "6281234567890@s.whatsapp.net", ProviderMessageID: "wamid-1",
		Kind: "notify", Type: "text", Text: "hello", PushName: "Budi", ServerTime: time.Now(),
	})
	require.NoError(t2, err)

	require.Len(t2, store.messages, 1)
	require.Len(t2, store.contacts, 1)
	require.Len(t2, pub.events, 1)
	require.Equal(t2, fanout.EventMessageIncoming, pub.events[0].Type)

	waitUntilT(t2, func() bool {
		trig.mu.Lock()
		defer trig.mu.Unlock()
		return len(trig.triggers) == 1
	})
}

func TestHandle_DropsFromMe(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", Status: t.SessionConnected}
	d := newTestDispatcher(store, &fakeHandleProvider{connected: true}, &recordingPub{}, &recordingTrigger{})

	err := d.Handle(context.Background(), "s1", transport.InboundEvent{RemoteJID: "628@s.whatsapp.net", FromMe: true, ServerTime: time.Now()})
	require.NoError(t2, err)
	require.Empty(t2, store.messages)
}

func TestHandle_DedupsSameMessageID(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", Status: t.SessionConnected}
	pub := &recordingPub{}
	d := newTestDispatcher(store, &fakeHandleProvider{connected: true}, pub, &recordingTrigger{})

	ev := transport.InboundEvent{RemoteJID: "628@s.whatsapp.net", ProviderMessageID: "dup-1", Kind: "notify", Type: "text", Text: "hi", ServerTime: time.Now()}
	require.NoError(t2, d.Handle(context.Background(), "s1", ev))
	require.NoError(t2, d.Handle(context.Background(), "s1", ev))

	require.Len(t2, store.messages, 1)
	require.Len(t2, pub.events, 1)
}

func TestHandle_SkipsWhenNotLive(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", Status: t.SessionDisconnected}
	d := newTestDispatcher(store, &fakeHandleProvider{connected: false}, &recordingPub{}, &recordingTrigger{})

	err := d.Handle(context.Background(), "s1", transport.InboundEvent{RemoteJID: "628@s.whatsapp.net", ProviderMessageID: "m1", ServerTime: time.Now()})
	require.NoError(t2, err)
	require.Empty(t2, store.messages)
}

func TestHandle_SkipsAutoReplyWhenHumanAssigned(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &t.Session{SessionID: "s1", UserID: "u1", Status: t.SessionConnected, Settings: t.SessionSettings{AutoReplyEnabled: true}}
	store.conversations["s1/628"] = &t.Conversation{ID: 1, SessionID: "s1", Phone: "628", HumanAgentID: "agent-9"}
	trig := &recordingTrigger{}
	d := newTestDispatcher(store, &fakeHandleProvider{connected: true}, &recordingPub{}, trig)

	err := d.Handle(context.Background(), "s1", transport.InboundEvent{
		RemoteJID: "628@s.whatsapp.net", ProviderMessageID: "m2", Kind: "notify", Type: "text", Text: "hi", ServerTime: time.Now(),
	})
	require.NoError(t2, err)

	time.Sleep(20 * time.Millisecond)
	trig.mu.Lock()
	defer trig.mu.Unlock()
	require.Empty(t2, trig.triggers)
}

func waitUntilT(t2 *testing.T, cond func() bool) {
	t2.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t2, "condition never became true")
}
