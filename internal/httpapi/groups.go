package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/ratelimit"
	"github.com/relaymesh/gateway/internal/transport"
)

// GroupScrapeService is the slice of scraper.Scraper group operations need.
type GroupScrapeService interface {
	Run(ctx context.Context, userID, sessionID string) error
	ScrapeGroupMembers(ctx context.Context, userID, sessionID, groupJID string) (int, error)
}

// GroupSender is the slice of session.Manager a direct group broadcast
// needs — it bypasses broadcast.Executor entirely (group sends aren't
// campaigns with per-phone recipients in this domain model; SPEC_FULL.md's
// group-broadcast endpoint sends to explicit group JIDs synchronously).
type GroupSender interface {
	Send(ctx context.Context, sessionID, to, body string) (transport.SendReceipt, error)
}

// GroupRateLimiter is the slice of ratelimit.Limiter the group broadcast
// loop consults before each send, same admission gate every other outbound
// path in the gateway goes through.
type GroupRateLimiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

type GroupsHandler struct {
	scrape  GroupScrapeService
	sender  GroupSender
	limiter GroupRateLimiter
	logger  *zap.Logger
}

func NewGroupsHandler(scrape GroupScrapeService, sender GroupSender, limiter GroupRateLimiter, logger *zap.Logger) *GroupsHandler {
	return &GroupsHandler{scrape: scrape, sender: sender, limiter: limiter, logger: logger}
}

func (h *GroupsHandler) Mount(r chi.Router) {
	r.Route("/groups", func(r chi.Router) {
		r.Post("/{sid}/scrape", h.scrapeGroups)
		r.Post("/members/{gid}/scrape", h.scrapeMembers)
	})
	r.Post("/group-broadcast/{sid}/send", h.groupBroadcastSend)
}

func (h *GroupsHandler) scrapeGroups(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	userID := userIDFromContext(r.Context())
	if err := h.scrape.Run(r.Context(), userID, sid); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"sessionId": sid, "status": "completed"})
}

type scrapeMembersRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

func (h *GroupsHandler) scrapeMembers(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "gid")
	var req scrapeMembersRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}
	userID := userIDFromContext(r.Context())
	n, err := h.scrape.ScrapeGroupMembers(r.Context(), userID, req.SessionID, gid)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"groupJid": gid, "memberCount": n})
}

type groupBroadcastRequest struct {
	GroupJIDs []string `json:"groupJids" validate:"required,min=1"`
	Message   string   `json:"message" validate:"required"`
}

type groupBroadcastResult struct {
	GroupJID string `json:"groupJid"`
	Sent     bool   `json:"sent"`
	Error    string `json:"error,omitempty"`
}

// groupBroadcastSend sends body to each explicit group JID in sequence,
// consulting the rate limiter before every send. Unlike the broadcast
// executor's loop, a denied or failed JID is not retried: it is reported as
// not sent in the results and the loop moves on to the next JID.
func (h *GroupsHandler) groupBroadcastSend(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var req groupBroadcastRequest
	if err := decodeAndValidate(r, &req); err != nil {
		Error(w, err)
		return
	}

	results := make([]groupBroadcastResult, 0, len(req.GroupJIDs))
	for _, jid := range req.GroupJIDs {
		decision, err := h.limiter.Check(r.Context(), sid)
		if err != nil {
			results = append(results, groupBroadcastResult{GroupJID: jid, Error: err.Error()})
			continue
		}
		if !decision.CanSend {
			results = append(results, groupBroadcastResult{GroupJID: jid, Error: ratelimitedf(decision).Error()})
			continue
		}
		if _, err := h.sender.Send(r.Context(), sid, jid, req.Message); err != nil {
			h.logger.Warn("group broadcast send failed", zap.String("groupJid", jid), zap.Error(err))
			results = append(results, groupBroadcastResult{GroupJID: jid, Error: err.Error()})
			continue
		}
		_ = h.limiter.RecordSent(r.Context(), sid)
		results = append(results, groupBroadcastResult{GroupJID: jid, Sent: true})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessionId": sid, "results": results})
}
