package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/broadcast"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

type fakeBroadcastSvc struct {
	campaigns map[string]*t.Campaign
	executed  []string
	cancelled []string
}

func newFakeBroadcastSvc() *fakeBroadcastSvc {
	return &fakeBroadcastSvc{campaigns: map[string]*t.Campaign{}}
}

func (f *fakeBroadcastSvc) Create(_ context.Context, ownerUserID, sessionID string, opts broadcast.CreateOptions) (*t.Campaign, error) {
	c := &t.Campaign{CampaignID: "camp-1", OwnerUserID: ownerUserID, SessionID: sessionID, Name: opts.Name, Status: t.CampaignDraft, Total: len(opts.Recipients), BatchSize: opts.BatchSize}
	f.campaigns[c.CampaignID] = c
	return c, nil
}

func (f *fakeBroadcastSvc) Get(_ context.Context, campaignID string) (*t.Campaign, error) {
	c, ok := f.campaigns[campaignID]
	if !ok {
		return nil, errs.NotFoundf("campaign %s not found", campaignID)
	}
	return c, nil
}

func (f *fakeBroadcastSvc) List(_ context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error) {
	var out []t.Campaign
	for _, c := range f.campaigns {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeBroadcastSvc) Execute(_ context.Context, campaignID string) error {
	f.executed = append(f.executed, campaignID)
	return nil
}

func (f *fakeBroadcastSvc) Cancel(_ context.Context, campaignID string) error {
	f.cancelled = append(f.cancelled, campaignID)
	return nil
}

func newBroadcastTestRouter(bh *BroadcastHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(userIdentity)
	r.Route("/api", func(r chi.Router) { bh.Mount(r) })
	return r
}

func TestCreateBroadcast_ReturnsCreated(t2 *testing.T) {
	svc := newFakeBroadcastSvc()
	r := newBroadcastTestRouter(NewBroadcastHandler(svc, 3*time.Second))

	body := bytes.NewBufferString(`{"sessionId":"s1","name":"promo","template":{"type":"text","content":"hi"},"recipients":[{"phone":"0811"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/broadcasts", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusCreated, rec.Code)
}

func TestCreateBroadcast_RejectsEmptyRecipients(t2 *testing.T) {
	svc := newFakeBroadcastSvc()
	r := newBroadcastTestRouter(NewBroadcastHandler(svc, 3*time.Second))

	body := bytes.NewBufferString(`{"sessionId":"s1","name":"promo","template":{"type":"text","content":"hi"},"recipients":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/broadcasts", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusBadRequest, rec.Code)
}

func TestExecuteBroadcast_ReturnsEstimate(t2 *testing.T) {
	svc := newFakeBroadcastSvc()
	svc.campaigns["camp-1"] = &t.Campaign{CampaignID: "camp-1", Total: 100, BatchSize: 20, BatchDelay: time.Minute}
	r := newBroadcastTestRouter(NewBroadcastHandler(svc, 3*time.Second))

	req := httptest.NewRequest(http.MethodPost, "/api/broadcasts/camp-1/execute", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusAccepted, rec.Code)
	require.Contains(t2, svc.executed, "camp-1")
	env := decodeEnvelope(t2, rec.Body)
	data := env.Data.(map[string]interface{})
	require.NotEmpty(t2, data["estimatedCompletionIn"])
}

func TestExecuteBroadcast_NotFoundMaps404(t2 *testing.T) {
	svc := newFakeBroadcastSvc()
	r := newBroadcastTestRouter(NewBroadcastHandler(svc, 3*time.Second))

	req := httptest.NewRequest(http.MethodPost, "/api/broadcasts/missing/execute", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t2, http.StatusNotFound, rec.Code)
}
