package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/gateway/internal/broadcast"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// BroadcastService is the slice of broadcast.Executor the HTTP surface needs.
type BroadcastService interface {
	Create(ctx context.Context, ownerUserID, sessionID string, opts broadcast.CreateOptions) (*t.Campaign, error)
	Get(ctx context.Context, campaignID string) (*t.Campaign, error)
	List(ctx context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error)
	Execute(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

type BroadcastHandler struct {
	svc BroadcastService
	// adaptiveDelayEstimate feeds the EstimateCompletion preview returned
	// alongside Execute's response (SPEC_FULL.md §C.4): the midpoint of the
	// configured rate-limiter delay range.
	adaptiveDelayEstimate time.Duration
}

func NewBroadcastHandler(svc BroadcastService, adaptiveDelayEstimate time.Duration) *BroadcastHandler {
	return &BroadcastHandler{svc: svc, adaptiveDelayEstimate: adaptiveDelayEstimate}
}

func (h *BroadcastHandler) Mount(r chi.Router) {
	r.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{cid}", h.get)
		r.Post("/{cid}/execute", h.execute)
		r.Post("/{cid}/cancel", h.cancel)
	})
}

type recipientInput struct {
	Phone string `json:"phone" validate:"required"`
	Name  string `json:"name"`
}

type createBroadcastRequest struct {
	SessionID   string            `json:"sessionId" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Template    t.Template        `json:"template"`
	Recipients  []recipientInput  `json:"recipients" validate:"required,min=1,dive"`
	ScheduledAt *time.Time        `json:"scheduledAt"`
	BatchSize   int               `json:"batchSize"`
	BatchDelay  time.Duration     `json:"batchDelayMs"`
}

func (h *BroadcastHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}
	recipients := make([]broadcast.RecipientInput, len(req.Recipients))
	for i, rcpt := range req.Recipients {
		recipients[i] = broadcast.RecipientInput{Phone: rcpt.Phone, Name: rcpt.Name}
	}

	userID := userIDFromContext(r.Context())
	c, err := h.svc.Create(r.Context(), userID, req.SessionID, broadcast.CreateOptions{
		Name: req.Name, Template: req.Template, Recipients: recipients,
		ScheduledAt: req.ScheduledAt, BatchSize: req.BatchSize, BatchDelay: req.BatchDelay * time.Millisecond,
	})
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, c)
}

func (h *BroadcastHandler) list(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	status := t.CampaignStatus(r.URL.Query().Get("status"))
	cs, err := h.svc.List(r.Context(), userID, status)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, cs)
}

func (h *BroadcastHandler) get(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	c, err := h.svc.Get(r.Context(), cid)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

func (h *BroadcastHandler) execute(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	c, err := h.svc.Get(r.Context(), cid)
	if err != nil {
		Error(w, err)
		return
	}
	if err := h.svc.Execute(r.Context(), cid); err != nil {
		Error(w, err)
		return
	}
	estimate := broadcast.EstimateCompletion(c.Total, c.BatchSize, c.BatchDelay, h.adaptiveDelayEstimate)
	JSON(w, http.StatusAccepted, map[string]interface{}{
		"campaignId": cid, "status": "processing", "estimatedCompletionIn": estimate.String(),
	})
}

func (h *BroadcastHandler) cancel(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if err := h.svc.Cancel(r.Context(), cid); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"campaignId": cid, "status": "cancelled"})
}
