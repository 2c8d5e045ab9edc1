package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/gateway/internal/session"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

// SessionService is the slice of session.Manager the HTTP surface needs.
type SessionService interface {
	Create(ctx context.Context, userID, displayName string, opts session.CreateOptions) (*t.Session, error)
	Get(ctx context.Context, sessionID string) (*t.Session, error)
	List(ctx context.Context, userID string, activeOnly bool) ([]t.Session, error)
	Connect(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	Logout(ctx context.Context, sessionID string) error
	CleanupCredentials(sessionID string) error
	Handle(sessionID string) transport.Handle
}

type SessionHandler struct {
	svc SessionService
}

func NewSessionHandler(svc SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

func (h *SessionHandler) Mount(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{sid}/status", h.status)
		r.Get("/{sid}/qr", h.qr)
		r.Post("/{sid}/connect", h.connect)
		r.Post("/{sid}/disconnect", h.disconnect)
		r.Post("/{sid}/cleanup", h.cleanup)
		r.Delete("/{sid}", h.disconnect)
	})
}

type createSessionRequest struct {
	DisplayName     string                 `json:"displayName" validate:"required"`
	AIAssistantKind string                 `json:"aiAssistantKind"`
	AIConfig        map[string]interface{} `json:"aiConfig"`
	WebhookURL      string                 `json:"webhookUrl" validate:"omitempty,url"`
	Settings        t.SessionSettings      `json:"settings"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}
	userID := userIDFromContext(r.Context())
	s, err := h.svc.Create(r.Context(), userID, req.DisplayName, session.CreateOptions{
		AIAssistantKind: req.AIAssistantKind, AIConfig: req.AIConfig, WebhookURL: req.WebhookURL, Settings: req.Settings,
	})
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	activeOnly := r.URL.Query().Get("active") == "true"
	ss, err := h.svc.List(r.Context(), userID, activeOnly)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, ss)
}

// status reconciles the persisted row against the live transport: a row
// still marked connected with no live handle (e.g. the process restarted
// mid-session) reads back as disconnected without mutating the row (spec
// §6 "Read-back status reconciled with live transport").
func (h *SessionHandler) status(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	s, err := h.svc.Get(r.Context(), sid)
	if err != nil {
		Error(w, err)
		return
	}
	status := s.Status
	if status == t.SessionConnected && h.svc.Handle(sid) == nil {
		status = t.SessionDisconnected
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": s.SessionID, "status": status, "phoneNumber": s.PhoneNumber,
		"lastConnectedAt": s.LastConnectedAt, "lastDisconnectedAt": s.LastDisconnectedAt,
	})
}

func (h *SessionHandler) qr(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	s, err := h.svc.Get(r.Context(), sid)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"qr": s.QRCode, "expiresAt": s.QRExpiresAt, "expired": !s.QRValid(time.Now()),
	})
}

func (h *SessionHandler) connect(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if err := h.svc.Connect(r.Context(), sid); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"sessionId": sid, "status": "connecting"})
}

type disconnectRequest struct {
	Logout bool `json:"logout"`
}

func (h *SessionHandler) disconnect(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var req disconnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		_ = decodeAndValidate(r, &req)
	}

	var err error
	if req.Logout {
		err = h.svc.Logout(r.Context(), sid)
	} else {
		err = h.svc.Disconnect(r.Context(), sid)
	}
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"sessionId": sid, "status": "disconnected"})
}

func (h *SessionHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if err := h.svc.CleanupCredentials(sid); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"sessionId": sid, "status": "credentials_purged"})
}
