// Package fanout is the process-wide live-event publish-subscribe component
// from spec §4.7, grounded on the teacher's Hub (server/hub.go) and presence
// fan-out (server/pres.go): routing keys instead of topic names, a single
// owning goroutine instead of a raw mutex-guarded map (Design Note: "Event
// fan-out's per-user socket set ... should be guarded by a single mutex or
// by a single owning task").
package fanout

import (
	"time"

	"go.uber.org/zap"
)

// EventType is one of the taxonomy entries in spec §4.7.
type EventType string

const (
	EventSessionQR               EventType = "session:qr"
	EventSessionConnected         EventType = "session:connected"
	EventSessionDisconnected      EventType = "session:disconnected"
	EventSessionConnectionFailed  EventType = "session:connection_failed"
	EventSessionStatus            EventType = "session:status"
	EventMessageIncoming          EventType = "message:incoming"
	EventMessageSent              EventType = "message:sent"
	EventMessageStatus            EventType = "message:status"
	EventBroadcastStarted         EventType = "broadcast:started"
	EventBroadcastProgress        EventType = "broadcast:progress"
	EventBroadcastCompleted       EventType = "broadcast:completed"
	EventBroadcastFailed          EventType = "broadcast:failed"
)

// Event is one fan-out message, addressed to one or more routing keys.
type Event struct {
	Type    EventType
	Keys    []string // e.g. "user:42", "session:abc", "broadcast:xyz"
	Payload interface{}
	At      time.Time
}

// UserKey, SessionKey and BroadcastKey build routing keys per spec §4.7.
func UserKey(userID string) string      { return "user:" + userID }
func SessionKey(sessionID string) string { return "session:" + sessionID }
func BroadcastKey(campaignID string) string { return "broadcast:" + campaignID }

// Subscriber is a bidirectional duplex channel authenticated at accept-time
// with a user id (spec §4.7).
type Subscriber struct {
	UserID string
	Out    chan Event // best-effort delivery, no buffering beyond this channel
}

// subRequest/unsubRequest/publishRequest/replayRequest are sent to the hub's
// single owning goroutine — the same "one owning task guards the shared map"
// shape as the teacher's Hub.join/unreg channels.
type subRequest struct {
	key string
	sub *Subscriber
}

type unsubRequest struct {
	key string
	sub *Subscriber
}

// QRReplaySource is looked up by the hub on subscribe so a late joiner immediately
// sees the last QR for its session (spec §4.7 "On subscribe to a session, if
// a non-expired QR code is already persisted, it is immediately replayed").
type QRReplaySource interface {
	CurrentQR(sessionID string) (payload string, expiresAt time.Time, ok bool)
}

// Hub is the single owning task for the key -> subscriber-set map.
type Hub struct {
	logger *zap.Logger
	qrSrc  QRReplaySource

	subscribe   chan subRequest
	unsubscribe chan unsubRequest
	publish     chan Event
	shutdown    chan struct{}

	webhook WebhookDispatcher
}

// WebhookDispatcher is the best-effort outbound callback described in
// SPEC_FULL.md §C.3. Implementations must never block the publish loop.
type WebhookDispatcher interface {
	Dispatch(webhookURL string, ev Event)
}

// NewHub starts the hub's owning goroutine and returns a handle. qrSrc may
// be nil (no QR replay); webhook may be nil (no webhook delivery).
func NewHub(logger *zap.Logger, qrSrc QRReplaySource, webhook WebhookDispatcher) *Hub {
	h := &Hub{
		logger:      logger,
		qrSrc:       qrSrc,
		subscribe:   make(chan subRequest),
		unsubscribe: make(chan unsubRequest),
		publish:     make(chan Event, 256),
		shutdown:    make(chan struct{}),
		webhook:     webhook,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	routes := make(map[string]map[*Subscriber]struct{})

	addSub := func(key string, s *Subscriber) {
		set, ok := routes[key]
		if !ok {
			set = make(map[*Subscriber]struct{})
			routes[key] = set
		}
		set[s] = struct{}{}
	}
	removeSub := func(key string, s *Subscriber) {
		if set, ok := routes[key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(routes, key)
			}
		}
	}

	for {
		select {
		case req := <-h.subscribe:
			addSub(req.key, req.sub)
		case req := <-h.unsubscribe:
			removeSub(req.key, req.sub)
		case ev := <-h.publish:
			for _, key := range ev.Keys {
				for s := range routes[key] {
					select {
					case s.Out <- ev:
					default:
						// Dead or blocked subscriber: sweep it (Design Note
						// "dead channels are swept on publish failure").
						removeSub(key, s)
						h.logger.Debug("fanout: dropped slow subscriber", zap.String("key", key))
					}
				}
			}
		case <-h.shutdown:
			return
		}
	}
}

// Subscribe registers sub for key and, for a session key, replays any
// currently valid QR immediately (spec §4.7).
func (h *Hub) Subscribe(key string, sub *Subscriber) {
	h.subscribe <- subRequest{key: key, sub: sub}

	if h.qrSrc == nil || len(key) <= 8 || key[:8] != "session:" {
		return
	}
	sessionID := key[len("session:"):]
	if payload, expiresAt, ok := h.qrSrc.CurrentQR(sessionID); ok {
		select {
		case sub.Out <- Event{Type: EventSessionQR, Keys: []string{key}, Payload: map[string]interface{}{
			"sessionId": sessionID, "qr": payload, "expiresAt": expiresAt,
		}, At: time.Now()}:
		default:
		}
	}
}

// Unsubscribe removes sub from key's routing set.
func (h *Hub) Unsubscribe(key string, sub *Subscriber) {
	h.unsubscribe <- unsubRequest{key: key, sub: sub}
}

// Publish fans ev out to every routing key it names. Best-effort (spec
// §4.7): ev goes through the hub's 256-event queue and is dropped when that
// queue is full; a subscriber whose channel cannot take it is swept.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.publish <- ev:
	default:
		h.logger.Warn("fanout: publish queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// PublishWithWebhook is Publish plus a best-effort webhook POST when
// webhookURL is non-empty, for the subset of events SPEC_FULL.md §C.3
// names (message:incoming, broadcast:completed).
func (h *Hub) PublishWithWebhook(ev Event, webhookURL string) {
	h.Publish(ev)
	if h.webhook != nil && webhookURL != "" {
		h.webhook.Dispatch(webhookURL, ev)
	}
}

// Shutdown stops the hub's owning goroutine.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}
