package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/gateway/internal/scraper"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// ScrapeService is the slice of scraper.Scraper the HTTP surface needs.
type ScrapeService interface {
	Run(ctx context.Context, userID, sessionID string) error
	Status(ctx context.Context, userID, sessionID string) (scraper.Status, error)
}

// ContactReader is the read-side slice of adapter.Adapter contacts listing
// needs (the scraper itself only writes; listing is a plain query the HTTP
// layer runs directly against the persistence gateway).
type ContactReader interface {
	ContactList(ctx context.Context, userID, sessionID string) ([]t.Contact, error)
}

type ContactsHandler struct {
	scrape   ScrapeService
	contacts ContactReader
}

func NewContactsHandler(scrape ScrapeService, contacts ContactReader) *ContactsHandler {
	return &ContactsHandler{scrape: scrape, contacts: contacts}
}

func (h *ContactsHandler) Mount(r chi.Router) {
	r.Route("/contacts", func(r chi.Router) {
		r.Post("/{sid}/scrape", h.runScrape)
		r.Get("/{sid}", h.list)
		r.Get("/{sid}/status", h.status)
	})
}

func (h *ContactsHandler) runScrape(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	userID := userIDFromContext(r.Context())
	if err := h.scrape.Run(r.Context(), userID, sid); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"sessionId": sid, "status": "completed"})
}

func (h *ContactsHandler) list(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	userID := userIDFromContext(r.Context())
	cs, err := h.contacts.ContactList(r.Context(), userID, sid)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, cs)
}

func (h *ContactsHandler) status(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	userID := userIDFromContext(r.Context())
	st, err := h.scrape.Status(r.Context(), userID, sid)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}
