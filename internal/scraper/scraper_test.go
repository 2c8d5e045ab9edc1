package scraper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	kernelpkg "github.com/relaymesh/gateway/internal/kernel"
	types "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

type memStore struct {
	mu            sync.Mutex
	sessions      map[string]*types.Session
	logs          map[int64]*types.ScrapingLog
	nextLogID     int64
	completedCnt  int
	lastLog       *types.ScrapingLog
	contactBatches [][]types.Contact
	groups        []types.Group
	members       []types.GroupMember
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*types.Session{}, logs: map[int64]*types.ScrapingLog{}}
}

func (m *memStore) SessionGet(_ context.Context, sessionID string) (*types.Session, error) {
	return m.sessions[sessionID], nil
}
func (m *memStore) ScrapingLogStart(_ context.Context, userID, sessionID string, at time.Time) (*types.ScrapingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	l := &types.ScrapingLog{ID: m.nextLogID, UserID: userID, SessionID: sessionID, Status: types.ScrapeInProgress, StartedAt: at}
	m.logs[l.ID] = l
	return l, nil
}
func (m *memStore) ScrapingLogComplete(_ context.Context, id int64, total int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logs[id]
	l.Status = types.ScrapeCompleted
	l.Total = total
	l.EndedAt = &at
	m.completedCnt++
	m.lastLog = l
	return nil
}
func (m *memStore) ScrapingLogFail(_ context.Context, id int64, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logs[id]
	l.Status = types.ScrapeFailed
	l.Error = errMsg
	l.EndedAt = &at
	return nil
}
func (m *memStore) ScrapingLogLast(_ context.Context, userID, sessionID string) (*types.ScrapingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLog, nil
}
func (m *memStore) ScrapingLogCompletedCount(_ context.Context, userID, sessionID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedCnt, nil
}
func (m *memStore) ContactsBatchUpsert(_ context.Context, cs []types.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactBatches = append(m.contactBatches, cs)
	return nil
}
func (m *memStore) GroupsBatchUpsert(_ context.Context, gs []types.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, gs...)
	return nil
}
func (m *memStore) GroupMemberUpsert(_ context.Context, gm *types.GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, *gm)
	return nil
}
func (m *memStore) GroupSetParticipantCount(_ context.Context, groupJID string, n int) error { return nil }

func (m *memStore) allContacts() []types.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Contact
	for _, b := range m.contactBatches {
		out = append(out, b...)
	}
	return out
}

type fakeHandle struct {
	contacts     []transport.ContactEntry
	chats        []string
	groups       []transport.GroupEntry
	participants map[string][]transport.ParticipantEntry
	resolveMap   map[string]string
}

func (h *fakeHandle) SessionID() string    { return "s1" }
func (h *fakeHandle) IsAuthenticated() bool { return true }
func (h *fakeHandle) Send(_ context.Context, to, body string) (transport.SendReceipt, error) {
	return transport.SendReceipt{}, nil
}
func (h *fakeHandle) SendMedia(_ context.Context, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error) {
	return transport.SendReceipt{}, nil
}
func (h *fakeHandle) SetPresence(_ context.Context, to, presence string) error { return nil }
func (h *fakeHandle) MarkRead(_ context.Context, providerMessageID string) error { return nil }
func (h *fakeHandle) Contacts(_ context.Context) ([]transport.ContactEntry, error) { return h.contacts, nil }
func (h *fakeHandle) Chats(_ context.Context) ([]string, error)                   { return h.chats, nil }
func (h *fakeHandle) GroupParticipants(_ context.Context, groupJID string) ([]transport.ParticipantEntry, error) {
	return h.participants[groupJID], nil
}
func (h *fakeHandle) JoinedGroups(_ context.Context) ([]transport.GroupEntry, error) { return h.groups, nil }
func (h *fakeHandle) ResolveLIDs(_ context.Context, lids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, l := range lids {
		if p, ok := h.resolveMap[l]; ok {
			out[l] = p
		}
	}
	return out, nil
}
func (h *fakeHandle) Close(_ context.Context) error { return nil }

type fakeSessions struct {
	connected bool
	handle    transport.Handle
}

func (f *fakeSessions) Handle(sessionID string) transport.Handle { return f.handle }
func (f *fakeSessions) IsConnected(_ context.Context, sessionID string) (bool, error) {
	return f.connected, nil
}

func testProfile() kernelpkg.ScrapeProfile {
	return kernelpkg.ScrapeProfile{
		MaxScrapesPerDay: 5, CooldownBetweenScrapes: time.Hour,
		MinDelayBetweenGroups: time.Millisecond, MaxDelayBetweenGroups: 2 * time.Millisecond,
		ContactsPerBatch: 2, BatchSaveDelay: time.Millisecond, MaxContactsPerScrape: 1000,
	}
}

func newTestScraper(store Store, sessions HandleProvider) *Scraper {
	s := New(store, sessions, zap.NewNop(), kernelpkg.NewFakeClock(time.Now()), kernelpkg.NewFakeRNG(0.5), testProfile())
	s.sleep = func(time.Duration) {}
	return s
}

func TestRun_CollectsFromAllSourcesAndDedups(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &types.Session{SessionID: "s1", UserID: "u1"}
	handle := &fakeHandle{
		contacts: []transport.ContactEntry{{Phone: "6281", DisplayName: "Budi"}},
		chats:    []string{"6281@s.whatsapp.net", "6282@s.whatsapp.net"},
		groups:   []transport.GroupEntry{{JID: "123@g.us", Name: "Family"}},
		participants: map[string][]transport.ParticipantEntry{
			"123@g.us": {
				{JID: "6281@s.whatsapp.net", Phone: "6281", IsAdmin: true},
				{JID: "9999@lid", IsLID: true},
			},
		},
		resolveMap: map[string]string{"9999": "6283"},
	}
	s := newTestScraper(store, &fakeSessions{connected: true, handle: handle})

	require.NoError(t2, s.Run(context.Background(), "u1", "s1"))

	contacts := store.allContacts()
	phones := map[string]bool{}
	for _, c := range contacts {
		phones[c.Phone] = true
	}
	require.True(t2, phones["6281"])
	require.True(t2, phones["6282"])
	require.True(t2, phones["6283"])
	require.Equal(t2, 1, store.completedCnt)
	require.Len(t2, store.groups, 1)
}

func TestRun_RejectsWhenNotConnected(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &types.Session{SessionID: "s1", UserID: "u1"}
	s := newTestScraper(store, &fakeSessions{connected: false})

	err := s.Run(context.Background(), "u1", "s1")
	require.Error(t2, err)
}

func TestRun_RejectsWrongOwner(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &types.Session{SessionID: "s1", UserID: "someone-else"}
	s := newTestScraper(store, &fakeSessions{connected: true})

	err := s.Run(context.Background(), "u1", "s1")
	require.Error(t2, err)
}

func TestRun_DeniesOverDailyQuota(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &types.Session{SessionID: "s1", UserID: "u1"}
	store.completedCnt = 5
	s := newTestScraper(store, &fakeSessions{connected: true, handle: &fakeHandle{}})

	err := s.Run(context.Background(), "u1", "s1")
	require.Error(t2, err)
}

func TestRun_DeniesDuringCooldown(t2 *testing.T) {
	store := newMemStore()
	store.sessions["s1"] = &types.Session{SessionID: "s1", UserID: "u1"}
	recentEnd := time.Now()
	store.lastLog = &types.ScrapingLog{ID: 1, Status: types.ScrapeCompleted, EndedAt: &recentEnd}
	s := newTestScraper(store, &fakeSessions{connected: true, handle: &fakeHandle{}})

	err := s.Run(context.Background(), "u1", "s1")
	require.Error(t2, err)
}
