// Package session implements the Session Manager (spec §4.1), grounded on
// the teacher's Session (server/session.go) for the state-and-handle shape
// and on server/hub.go for the "one owning structure guards shared state"
// pattern, here a plain mutex instead of hub.go's channel actor since the
// state being guarded (a handle map) is small and short-held.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

// Store is the slice of adapter.Adapter the session manager needs.
type Store interface {
	SessionCreate(ctx context.Context, s *t.Session) error
	SessionGet(ctx context.Context, sessionID string) (*t.Session, error)
	SessionList(ctx context.Context, userID string, activeOnly bool) ([]t.Session, error)
	SessionUpdate(ctx context.Context, sessionID string, update map[string]interface{}) error
	SessionSoftDelete(ctx context.Context, sessionID string) error
}

// Publisher is the slice of fanout.Hub the session manager needs.
type Publisher interface {
	Publish(ev fanout.Event)
}

// CreateOptions are the optional fields spec §4.1's Create(userId, displayName, options) accepts.
type CreateOptions struct {
	AIAssistantKind string
	AIConfig        map[string]interface{}
	WebhookURL      string
	Settings        t.SessionSettings
}

// Manager owns every live transport.Handle and the qr_pending -> connecting
// -> connected -> disconnected/failed state machine from spec §4.1.
type Manager struct {
	store     Store
	provider  transport.Provider
	pub       Publisher
	logger    *zap.Logger
	clock     kernel.Clock
	ids       kernel.IDGen
	cfg       kernel.SessionConfig
	credsRoot string

	mu             sync.Mutex
	handles        map[string]transport.Handle
	backoffs       map[string]*backoff.ExponentialBackOff
	stopped        map[string]bool // sessions explicitly disconnected/logged out: do not auto-reconnect
	messageHandler func(sessionID string, ev transport.InboundEvent)
}

func New(store Store, provider transport.Provider, pub Publisher, logger *zap.Logger, clock kernel.Clock, ids kernel.IDGen, cfg kernel.SessionConfig, credsRoot string) *Manager {
	return &Manager{
		store: store, provider: provider, pub: pub, logger: logger, clock: clock, ids: ids, cfg: cfg, credsRoot: credsRoot,
		handles:  make(map[string]transport.Handle),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		stopped:  make(map[string]bool),
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = 0 // retry forever until explicitly stopped (spec §4.1)
	b.RandomizationFactor = 0 // delay(n) = min(B*2^(n-1), Bmax) exactly, no jitter
	b.Reset()
	return b
}

// Create provisions a new session row in qr_pending status and starts the
// first connection attempt (spec §4.1 "Create(userId, displayName, options)").
func (m *Manager) Create(ctx context.Context, userID, displayName string, opts CreateOptions) (*t.Session, error) {
	now := m.clock.Now()
	s := &t.Session{
		SessionID:       m.ids.NewID(),
		UserID:          userID,
		DisplayName:     displayName,
		Status:          t.SessionQRPending,
		AIAssistantKind: opts.AIAssistantKind,
		AIConfig:        opts.AIConfig,
		WebhookURL:      opts.WebhookURL,
		Settings:        opts.Settings,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.SessionCreate(ctx, s); err != nil {
		return nil, errs.Internalf(err, "session: create for user %s", userID)
	}

	m.mu.Lock()
	m.backoffs[s.SessionID] = m.newBackoff()
	m.mu.Unlock()

	go m.connectLoop(s.SessionID)

	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*t.Session, error) {
	s, err := m.store.SessionGet(ctx, sessionID)
	if err != nil {
		return nil, errs.Internalf(err, "session: get %s", sessionID)
	}
	if s == nil {
		return nil, errs.NotFoundf("session %s not found", sessionID)
	}
	return s, nil
}

func (m *Manager) List(ctx context.Context, userID string, activeOnly bool) ([]t.Session, error) {
	ss, err := m.store.SessionList(ctx, userID, activeOnly)
	if err != nil {
		return nil, errs.Internalf(err, "session: list for user %s", userID)
	}
	return ss, nil
}

// CurrentQR satisfies fanout.QRReplaySource: a late subscriber to a
// session's routing key immediately sees the last non-expired QR instead of
// waiting for the next emission.
func (m *Manager) CurrentQR(sessionID string) (string, time.Time, bool) {
	s, err := m.store.SessionGet(context.Background(), sessionID)
	if err != nil || s == nil || s.QRCode == "" {
		return "", time.Time{}, false
	}
	if !s.QRExpiresAt.IsZero() && !m.clock.Now().Before(s.QRExpiresAt) {
		return "", time.Time{}, false
	}
	return s.QRCode, s.QRExpiresAt, true
}

// IsActive reports the Active flag (a soft-delete gate, spec §4.1).
func (m *Manager) IsActive(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Active && !s.Deleted, nil
}

// IsConnected reports whether the status machine is in the connected state.
func (m *Manager) IsConnected(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Status == t.SessionConnected, nil
}

// connectLoop drives one session's connection attempts and, on non-fatal
// close, reconnects with exponential backoff (SPEC_FULL.md §B.3). It
// returns once the session is stopped or fails fatally.
func (m *Manager) connectLoop(sessionID string) {
	for {
		m.mu.Lock()
		stopped := m.stopped[sessionID]
		m.mu.Unlock()
		if stopped {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		handle, err := m.provider.Connect(ctx, sessionID, m.credsRoot, m.callbacksFor(sessionID))
		cancel()

		if err != nil {
			m.logger.Warn("session: connect attempt failed", zap.String("sessionId", sessionID), zap.Error(err))
			if !m.waitBackoff(sessionID) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.handles[sessionID] = handle
		m.mu.Unlock()

		// Connection established; block here is unnecessary because the
		// provider drives further lifecycle via callbacks. Exit the loop —
		// reconnection after a future close is re-armed by onClose.
		return
	}
}

// waitBackoff sleeps for the next backoff interval and reports whether the
// caller should keep retrying (false means the session was stopped meanwhile).
func (m *Manager) waitBackoff(sessionID string) bool {
	m.mu.Lock()
	b, ok := m.backoffs[sessionID]
	if !ok {
		b = m.newBackoff()
		m.backoffs[sessionID] = b
	}
	d := b.NextBackOff()
	m.mu.Unlock()

	select {
	case <-time.After(d):
	}

	m.mu.Lock()
	stopped := m.stopped[sessionID]
	m.mu.Unlock()
	return !stopped
}

func (m *Manager) callbacksFor(sessionID string) transport.Callbacks {
	return transport.Callbacks{
		OnQR:        func(sid, qr string) { m.onQR(sid, qr) },
		OnConnected: func(sid, phone string) { m.onConnected(sid, phone) },
		OnClose:     func(sid string, reason transport.CloseReason) { m.onClose(sid, reason) },
		OnMessage:   m.messageHandler,
	}
}

// SetMessageHandler registers the inbound dispatcher's Handle as the callback
// every subsequent provider.Connect wires for incoming messages. Called once
// at startup after both the Manager and the Dispatcher exist.
func (m *Manager) SetMessageHandler(onMessage func(sessionID string, ev transport.InboundEvent)) {
	m.messageHandler = onMessage
}

func (m *Manager) onQR(sessionID, qr string) {
	now := m.clock.Now()
	expiresAt := now.Add(m.cfg.QRTTL)
	ctx := context.Background()

	sess, err := m.store.SessionGet(ctx, sessionID)
	if err != nil || sess == nil {
		m.logger.Error("session: lookup for qr publish failed", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}

	if err := m.store.SessionUpdate(ctx, sessionID, map[string]interface{}{
		"status":        t.SessionQRPending,
		"qr_code":       qr,
		"qr_expires_at": expiresAt,
	}); err != nil {
		m.logger.Error("session: persist qr failed", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}
	// persistence happens first, then publish (spec §4.1/§5 monotone-observer invariant).
	// Routed to both the session's own channel and its owning user's channel
	// (spec §4.1) so a user-scoped WS subscriber sees the QR too.
	m.pub.Publish(fanout.Event{
		Type: fanout.EventSessionQR,
		Keys: []string{fanout.SessionKey(sessionID), fanout.UserKey(sess.UserID)},
		Payload: map[string]interface{}{
			"sessionId": sessionID, "qr": qr, "expiresAt": expiresAt,
		},
	})
}

func (m *Manager) onConnected(sessionID, phone string) {
	now := m.clock.Now()
	ctx := context.Background()

	sess, err := m.store.SessionGet(ctx, sessionID)
	if err != nil || sess == nil {
		m.logger.Error("session: lookup for connected publish failed", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}

	if err := m.store.SessionUpdate(ctx, sessionID, map[string]interface{}{
		"status":             t.SessionConnected,
		"phone_number":       phone,
		"qr_code":            "",
		"last_connected_at":  now,
	}); err != nil {
		m.logger.Error("session: persist connected failed", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.backoffs[sessionID] = m.newBackoff() // reset on success
	m.mu.Unlock()

	// Routed by owning user id (spec §4.7), not the session's own phone
	// number, so a user-scoped WS subscriber receives it.
	m.pub.Publish(fanout.Event{
		Type:    fanout.EventSessionConnected,
		Keys:    []string{fanout.SessionKey(sessionID), fanout.UserKey(sess.UserID)},
		Payload: map[string]interface{}{"sessionId": sessionID, "phone": phone},
	})
}

func (m *Manager) onClose(sessionID string, reason transport.CloseReason) {
	now := m.clock.Now()
	ctx := context.Background()

	m.mu.Lock()
	delete(m.handles, sessionID)
	explicitlyStopped := m.stopped[sessionID]
	m.mu.Unlock()

	// A manual Disconnect stops reconnection but is not itself fatal: the
	// session lands in disconnected with credentials intact, never failed
	// (spec §4.1 — only Logout purges). Fatal is reason-driven alone.
	fatal := reason.Fatal()
	status := t.SessionDisconnected
	if fatal {
		status = t.SessionFailed
	}

	if err := m.store.SessionUpdate(ctx, sessionID, map[string]interface{}{
		"status":                status,
		"last_disconnected_at": now,
	}); err != nil {
		m.logger.Error("session: persist close failed", zap.String("sessionId", sessionID), zap.Error(err))
	}

	evType := fanout.EventSessionDisconnected
	if fatal {
		evType = fanout.EventSessionConnectionFailed
		_ = m.provider.PurgeCredentials(sessionID, m.credsRoot)
	}
	m.pub.Publish(fanout.Event{
		Type: evType,
		Keys: []string{fanout.SessionKey(sessionID)},
		Payload: map[string]interface{}{
			"sessionId": sessionID, "reason": reason.Code, "description": reason.Description,
		},
	})

	if fatal || explicitlyStopped {
		return
	}
	go m.connectLoop(sessionID)
}

// Disconnect closes the live transport handle (if any) without purging
// credentials or deleting the session row (spec §4.1 "Disconnect").
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.stopped[sessionID] = true
	h, ok := m.handles[sessionID]
	m.mu.Unlock()

	if ok {
		if err := h.Close(ctx); err != nil {
			return errs.TransientTransportf(err, "session: close handle for %s", sessionID)
		}
	}
	return m.store.SessionUpdate(ctx, sessionID, map[string]interface{}{
		"status":                t.SessionDisconnected,
		"last_disconnected_at": m.clock.Now(),
	})
}

// Logout tears the session down permanently: closes the handle, purges
// on-disk credentials, and soft-deletes the row (spec §4.1 "Logout").
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.stopped[sessionID] = true
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if ok {
		_ = h.Close(ctx)
	}
	if err := m.provider.PurgeCredentials(sessionID, m.credsRoot); err != nil {
		m.logger.Warn("session: purge credentials failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
	return m.store.SessionSoftDelete(ctx, sessionID)
}

// CleanupCredentials purges on-disk auth credentials for a session that has
// no live transport, without touching the session row (POST
// /api/sessions/:sid/cleanup — distinct from Logout, which also soft-deletes
// the row). Refuses while the session still has a live handle.
func (m *Manager) CleanupCredentials(sessionID string) error {
	m.mu.Lock()
	_, live := m.handles[sessionID]
	m.mu.Unlock()
	if live {
		return errs.PreconditionFailedf("session %s still has a live connection", sessionID)
	}
	return m.provider.PurgeCredentials(sessionID, m.credsRoot)
}

// Connect (re)starts the connect loop for a session that is disconnected or
// failed, clearing the stopped flag and handing it a fresh backoff (POST
// /api/sessions/:sid/connect — also used to force a QR refresh).
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	m.stopped[sessionID] = false
	m.backoffs[sessionID] = m.newBackoff()
	m.mu.Unlock()

	if err := m.store.SessionUpdate(ctx, sessionID, map[string]interface{}{
		"status": t.SessionConnecting,
	}); err != nil {
		return errs.Internalf(err, "session: mark connecting %s", sessionID)
	}
	go m.connectLoop(sessionID)
	return nil
}

// Send passes a text send through to the live transport handle. Callers
// (inbound dispatcher, auto-reply engine, broadcast executor) consult the
// rate limiter before calling Send — the session manager itself stays
// transport-only (spec §4.1 scopes admission control to the Rate Limiter).
func (m *Manager) Send(ctx context.Context, sessionID, to, body string) (transport.SendReceipt, error) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return transport.SendReceipt{}, errs.PreconditionFailedf("session %s has no live connection", sessionID)
	}
	receipt, err := h.Send(ctx, to, body)
	if err != nil {
		return transport.SendReceipt{}, errs.TransientTransportf(err, "session: send on %s", sessionID)
	}
	return receipt, nil
}

// SendMedia passes a media send through to the live transport handle, for
// the Broadcast Executor's image/document templates (spec §4.4).
func (m *Manager) SendMedia(ctx context.Context, sessionID, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return transport.SendReceipt{}, errs.PreconditionFailedf("session %s has no live connection", sessionID)
	}
	receipt, err := h.SendMedia(ctx, to, kind, mediaURL, caption, mimetype)
	if err != nil {
		return transport.SendReceipt{}, errs.TransientTransportf(err, "session: send media on %s", sessionID)
	}
	return receipt, nil
}

// Handle returns the live transport handle for sessionID, or nil if not connected.
func (m *Manager) Handle(sessionID string) transport.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[sessionID]
}
