package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel/errs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SocketHandler serves the single WebSocket endpoint spec §4.7/§6 describes:
// handshake carries userId, client sends subscribe:/unsubscribe: frames,
// the hub fans server-initiated events back out.
type SocketHandler struct {
	hub    *fanout.Hub
	logger *zap.Logger
}

func NewSocketHandler(hub *fanout.Hub, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{hub: hub, logger: logger}
}

// wsConn tracks one connection's live subscriptions so unsubscribeAll can unwind them.
type wsConn struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (h *SocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		Error(w, errs.InvalidArgumentf("ws: userId query parameter is required"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := &fanout.Subscriber{UserID: userID, Out: make(chan fanout.Event, 64)}
	tracked := &wsConn{keys: make(map[string]struct{})}

	h.hub.Subscribe(fanout.UserKey(userID), sub)
	tracked.keys[fanout.UserKey(userID)] = struct{}{}
	defer h.unsubscribeAll(tracked, sub)

	done := make(chan struct{})
	go h.writePump(conn, sub, done)
	h.readPump(conn, sub, tracked, done)
}

func (h *SocketHandler) writePump(conn *websocket.Conn, sub *fanout.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *SocketHandler) readPump(conn *websocket.Conn, sub *fanout.Subscriber, tracked *wsConn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientEvent(sub, tracked, strings.TrimSpace(string(msg)))
	}
}

// handleClientEvent parses spec §6's frame grammar: "subscribe:session
// <sid>", "unsubscribe:session <sid>", "subscribe:broadcast <cid>",
// "unsubscribe:broadcast <cid>", "ping".
func (h *SocketHandler) handleClientEvent(sub *fanout.Subscriber, tracked *wsConn, frame string) {
	if frame == "ping" {
		select {
		case sub.Out <- fanout.Event{Type: "pong", At: time.Now()}:
		default:
		}
		return
	}

	verb, rest, ok := strings.Cut(frame, " ")
	if !ok {
		return
	}
	id := strings.TrimSpace(rest)
	if id == "" {
		return
	}

	var key string
	switch verb {
	case "subscribe:session", "unsubscribe:session":
		key = fanout.SessionKey(id)
	case "subscribe:broadcast", "unsubscribe:broadcast":
		key = fanout.BroadcastKey(id)
	default:
		return
	}

	if strings.HasPrefix(verb, "subscribe:") {
		h.hub.Subscribe(key, sub)
		tracked.mu.Lock()
		tracked.keys[key] = struct{}{}
		tracked.mu.Unlock()
	} else {
		h.hub.Unsubscribe(key, sub)
		tracked.mu.Lock()
		delete(tracked.keys, key)
		tracked.mu.Unlock()
	}
}

func (h *SocketHandler) unsubscribeAll(tracked *wsConn, sub *fanout.Subscriber) {
	tracked.mu.Lock()
	keys := make([]string, 0, len(tracked.keys))
	for k := range tracked.keys {
		keys = append(keys, k)
	}
	tracked.mu.Unlock()
	for _, k := range keys {
		h.hub.Unsubscribe(k, sub)
	}
}
