package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	"github.com/relaymesh/gateway/internal/ratelimit"
	"github.com/relaymesh/gateway/internal/transport"
)

// ratelimitedf converts a deny Decision into the rate_limited error kind
// the envelope's error mapping turns into a 429 with Retry-After (spec §7).
func ratelimitedf(d ratelimit.Decision) error {
	return errs.RateLimitedf(d.Delay, "rate limited: %s", d.Reason)
}

// SendService is the slice of session.Manager a one-shot send needs.
type SendService interface {
	Send(ctx context.Context, sessionID, to, body string) (transport.SendReceipt, error)
	SendMedia(ctx context.Context, sessionID, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error)
}

// SendRateLimiter is the admission gate every outbound path consults before
// a send (spec §4.5).
type SendRateLimiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

type MessageHandler struct {
	sender  SendService
	limiter SendRateLimiter
}

func NewMessageHandler(sender SendService, limiter SendRateLimiter) *MessageHandler {
	return &MessageHandler{sender: sender, limiter: limiter}
}

func (h *MessageHandler) Mount(r chi.Router) {
	r.Post("/send-message", h.sendMessage)
	r.Post("/send-media", h.sendMedia)
}

func (h *MessageHandler) checkAndAdmit(r *http.Request, sessionID string) error {
	decision, err := h.limiter.Check(r.Context(), sessionID)
	if err != nil {
		return err
	}
	if !decision.CanSend {
		return ratelimitedf(decision)
	}
	return nil
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	To        string `json:"to" validate:"required"`
	Body      string `json:"body" validate:"required"`
}

func (h *MessageHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}
	if err := h.checkAndAdmit(r, req.SessionID); err != nil {
		Error(w, err)
		return
	}
	receipt, err := h.sender.Send(r.Context(), req.SessionID, req.To, req.Body)
	if err != nil {
		Error(w, err)
		return
	}
	_ = h.limiter.RecordSent(r.Context(), req.SessionID)
	JSON(w, http.StatusOK, receipt)
}

type sendMediaRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	To        string `json:"to" validate:"required"`
	Kind      string `json:"kind" validate:"required"`
	MediaURL  string `json:"mediaUrl" validate:"required,url"`
	Caption   string `json:"caption"`
	Mimetype  string `json:"mimetype"`
}

func (h *MessageHandler) sendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}
	if err := h.checkAndAdmit(r, req.SessionID); err != nil {
		Error(w, err)
		return
	}
	receipt, err := h.sender.SendMedia(r.Context(), req.SessionID, req.To, req.Kind, req.MediaURL, req.Caption, req.Mimetype)
	if err != nil {
		Error(w, err)
		return
	}
	_ = h.limiter.RecordSent(r.Context(), req.SessionID)
	JSON(w, http.StatusOK, receipt)
}
