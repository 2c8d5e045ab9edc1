// Package broadcast implements the Broadcast Executor (spec §4.4):
// campaign creation/validation, the processing loop with batching,
// progress reporting and cancellation, and the completion estimate
// preview (SPEC_FULL.md §C.4).
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	"github.com/relaymesh/gateway/internal/ratelimit"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

const (
	maxRecipients     = 10000
	minRecipients     = 1
	defaultBatchSize  = 20
	defaultBatchDelay = 60 * time.Second
	progressEveryN    = 5
)

// Store is the slice of adapter.Adapter the executor needs.
type Store interface {
	SessionGet(ctx context.Context, sessionID string) (*t.Session, error)
	CampaignCreate(ctx context.Context, c *t.Campaign, recipients []t.Recipient) error
	CampaignGet(ctx context.Context, campaignID string) (*t.Campaign, error)
	CampaignList(ctx context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error)
	CampaignUpdate(ctx context.Context, campaignID string, update map[string]interface{}) error
	CampaignUpdateTotals(ctx context.Context, campaignID string, sent, failed, pending int) error
	RecipientsPending(ctx context.Context, campaignID string) ([]t.Recipient, error)
	RecipientUpdate(ctx context.Context, campaignID, phone string, status t.RecipientStatus, errMsg string) error
	DueScheduledCampaigns(ctx context.Context, now time.Time) ([]t.Campaign, error)
}

// RateLimiter is the slice of ratelimit.Limiter the executor needs.
type RateLimiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

// Sender is the slice of session.Manager the executor needs.
type Sender interface {
	Send(ctx context.Context, sessionID, to, body string) (transport.SendReceipt, error)
	SendMedia(ctx context.Context, sessionID, to, kind, mediaURL, caption, mimetype string) (transport.SendReceipt, error)
	IsConnected(ctx context.Context, sessionID string) (bool, error)
}

// Publisher is the slice of fanout.Hub the executor needs.
type Publisher interface {
	Publish(ev fanout.Event)
	PublishWithWebhook(ev fanout.Event, webhookURL string)
}

// Executor drives campaigns through the spec §4.4 state machine.
type Executor struct {
	store   Store
	limiter RateLimiter
	sender  Sender
	pub     Publisher
	logger  *zap.Logger
	clock   kernel.Clock
	rng     kernel.RNG
	ids     kernel.IDGen

	mu        sync.Mutex
	cancelled map[string]bool

	sleep func(time.Duration)
}

func New(store Store, limiter RateLimiter, sender Sender, pub Publisher, logger *zap.Logger, clock kernel.Clock, rng kernel.RNG, ids kernel.IDGen) *Executor {
	return &Executor{
		store: store, limiter: limiter, sender: sender, pub: pub,
		logger: logger, clock: clock, rng: rng, ids: ids,
		cancelled: make(map[string]bool), sleep: time.Sleep,
	}
}

// RecipientInput is one requested recipient before persistence.
type RecipientInput struct {
	Phone string
	Name  string
}

// CreateOptions bundles spec §4.4's creation inputs.
type CreateOptions struct {
	Name        string
	Template    t.Template
	Recipients  []RecipientInput
	ScheduledAt *time.Time
	BatchSize   int
	BatchDelay  time.Duration
}

// normalizePhone strips non-digits and rewrites a leading "0" to the "62"
// country prefix (spec §4.4 "Creation").
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		return "62" + digits[1:]
	}
	return digits
}

func validateTemplate(tpl t.Template) error {
	if tpl.Content == "" {
		return errs.InvalidArgumentf("broadcast: template content is required")
	}
	if (tpl.Type == t.MsgImage || tpl.Type == t.MsgDocument) && tpl.MediaURL == "" {
		return errs.InvalidArgumentf("broadcast: mediaUrl is required for %s templates", tpl.Type)
	}
	return nil
}

// Create validates and persists a new campaign (spec §4.4 "Creation").
func (e *Executor) Create(ctx context.Context, ownerUserID, sessionID string, opts CreateOptions) (*t.Campaign, error) {
	sess, err := e.store.SessionGet(ctx, sessionID)
	if err != nil {
		return nil, errs.Internalf(err, "broadcast: session lookup for %s", sessionID)
	}
	if sess == nil || sess.UserID != ownerUserID || !sess.Active {
		return nil, errs.Forbiddenf("broadcast: session %s is not owned or active for %s", sessionID, ownerUserID)
	}
	if len(opts.Recipients) < minRecipients || len(opts.Recipients) > maxRecipients {
		return nil, errs.InvalidArgumentf("broadcast: recipient count %d out of range [%d,%d]", len(opts.Recipients), minRecipients, maxRecipients)
	}
	if err := validateTemplate(opts.Template); err != nil {
		return nil, err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchDelay := opts.BatchDelay
	if batchDelay <= 0 {
		batchDelay = defaultBatchDelay
	}

	status := t.CampaignDraft
	if opts.ScheduledAt != nil && opts.ScheduledAt.After(e.clock.Now()) {
		status = t.CampaignScheduled
	}

	now := e.clock.Now()
	campaign := &t.Campaign{
		CampaignID: e.ids.NewID(), OwnerUserID: ownerUserID, SessionID: sessionID,
		Name: opts.Name, Template: opts.Template, Status: status,
		ScheduledAt: opts.ScheduledAt, Total: len(opts.Recipients), Pending: len(opts.Recipients),
		BatchSize: batchSize, BatchDelay: batchDelay, CreatedAt: now,
	}

	recipients := make([]t.Recipient, len(opts.Recipients))
	for i, r := range opts.Recipients {
		recipients[i] = t.Recipient{CampaignID: campaign.CampaignID, Phone: normalizePhone(r.Phone), Name: r.Name, Status: t.RecipientPending}
	}

	if err := e.store.CampaignCreate(ctx, campaign, recipients); err != nil {
		return nil, errs.Internalf(err, "broadcast: create campaign for %s", sessionID)
	}
	return campaign, nil
}

// Get returns one campaign by id.
func (e *Executor) Get(ctx context.Context, campaignID string) (*t.Campaign, error) {
	c, err := e.store.CampaignGet(ctx, campaignID)
	if err != nil {
		return nil, errs.Internalf(err, "broadcast: get campaign %s", campaignID)
	}
	if c == nil {
		return nil, errs.NotFoundf("broadcast: campaign %s not found", campaignID)
	}
	return c, nil
}

// List returns a user's campaigns, optionally filtered by status.
func (e *Executor) List(ctx context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error) {
	cs, err := e.store.CampaignList(ctx, userID, status)
	if err != nil {
		return nil, errs.Internalf(err, "broadcast: list campaigns for %s", userID)
	}
	return cs, nil
}

// EstimateCompletion implements SPEC_FULL.md §C.4's pure completion-time
// preview: total recipients × adaptive delay estimate + (total/batch_size) ×
// batch delay. adaptiveDelayEstimate is the midpoint of the rate limiter's
// configured min/max delay, since the real per-send delay depends on live
// bucket occupancy this preview can't observe ahead of time.
func EstimateCompletion(total, batchSize int, batchDelay time.Duration, adaptiveDelayEstimate time.Duration) time.Duration {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batches := total / batchSize
	return time.Duration(total)*adaptiveDelayEstimate + time.Duration(batches)*batchDelay
}

// Cancel marks campaignID cancelled; the processing loop observes this at
// batch boundaries and after the current recipient (spec §4.4).
func (e *Executor) Cancel(ctx context.Context, campaignID string) error {
	c, err := e.store.CampaignGet(ctx, campaignID)
	if err != nil {
		return errs.Internalf(err, "broadcast: load campaign %s", campaignID)
	}
	if c == nil {
		return errs.NotFoundf("broadcast: campaign %s not found", campaignID)
	}
	switch c.Status {
	case t.CampaignDraft, t.CampaignScheduled, t.CampaignProcessing:
	default:
		return errs.PreconditionFailedf("broadcast: cannot cancel campaign %s in status %s", campaignID, c.Status)
	}

	e.mu.Lock()
	e.cancelled[campaignID] = true
	e.mu.Unlock()

	return e.store.CampaignUpdate(ctx, campaignID, map[string]interface{}{"status": t.CampaignCancelled})
}

func (e *Executor) isCancelled(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[campaignID]
}

// Execute validates the start preconditions, transitions to processing, and
// runs the send loop in the background, returning immediately (spec §4.4
// "Execution state machine", SPEC_FULL.md §C.4).
func (e *Executor) Execute(ctx context.Context, campaignID string) error {
	c, err := e.store.CampaignGet(ctx, campaignID)
	if err != nil {
		return errs.Internalf(err, "broadcast: load campaign %s", campaignID)
	}
	if c == nil {
		return errs.NotFoundf("broadcast: campaign %s not found", campaignID)
	}
	if c.Status != t.CampaignDraft && c.Status != t.CampaignScheduled {
		return errs.PreconditionFailedf("broadcast: campaign %s is not startable from status %s", campaignID, c.Status)
	}

	connected, err := e.sender.IsConnected(ctx, c.SessionID)
	if err != nil {
		return errs.Internalf(err, "broadcast: connectivity check for %s", c.SessionID)
	}
	if !connected {
		return errs.PreconditionFailedf("broadcast: session %s is not connected", c.SessionID)
	}

	now := e.clock.Now()
	if err := e.store.CampaignUpdate(ctx, campaignID, map[string]interface{}{"status": t.CampaignProcessing, "started_at": now}); err != nil {
		return errs.Internalf(err, "broadcast: start campaign %s", campaignID)
	}

	e.pub.Publish(fanout.Event{
		Type: fanout.EventBroadcastStarted, Keys: []string{fanout.BroadcastKey(campaignID), fanout.UserKey(c.OwnerUserID)},
		Payload: map[string]interface{}{"campaignId": campaignID, "total": c.Total},
	})

	go e.run(context.Background(), *c)
	return nil
}

func (e *Executor) run(ctx context.Context, c t.Campaign) {
	recipients, err := e.store.RecipientsPending(ctx, c.CampaignID)
	if err != nil {
		e.fail(ctx, c.CampaignID, err)
		return
	}

	sent, failed := c.Sent, c.Failed
	processed := 0

	for _, r := range recipients {
		if e.isCancelled(c.CampaignID) {
			return
		}

		// Step 1: rate-limiter consultation, retry same recipient on denial.
		for {
			decision, err := e.limiter.Check(ctx, c.SessionID)
			if err != nil {
				e.fail(ctx, c.CampaignID, err)
				return
			}
			if decision.CanSend {
				break
			}
			e.sleep(decision.Delay)
			if e.isCancelled(c.CampaignID) {
				return
			}
		}

		// Step 2: adaptive delay.
		if d := e.adaptiveDelay(); d > 0 {
			e.sleep(d)
		}

		// Step 3: send.
		if err := e.sendOne(ctx, c, r); err != nil {
			failed++
			_ = e.store.RecipientUpdate(ctx, c.CampaignID, r.Phone, t.RecipientFailed, err.Error())
		} else {
			sent++
			_ = e.store.RecipientUpdate(ctx, c.CampaignID, r.Phone, t.RecipientSent, "")
			_ = e.limiter.RecordSent(ctx, c.SessionID)
			e.pub.Publish(fanout.Event{
				Type: fanout.EventMessageSent, Keys: []string{fanout.SessionKey(c.SessionID), fanout.UserKey(c.OwnerUserID)},
				Payload: map[string]interface{}{"campaignId": c.CampaignID, "sessionId": c.SessionID, "to": r.Phone},
			})
		}
		processed++
		pending := len(recipients) - processed

		// Step 4: cumulative persist + periodic progress.
		if err := e.store.CampaignUpdateTotals(ctx, c.CampaignID, sent, failed, pending); err != nil {
			e.logger.Warn("broadcast: update totals failed", zap.String("campaignId", c.CampaignID), zap.Error(err))
		}
		if processed%progressEveryN == 0 || processed == len(recipients) {
			e.pub.Publish(fanout.Event{
				Type: fanout.EventBroadcastProgress, Keys: []string{fanout.BroadcastKey(c.CampaignID), fanout.UserKey(c.OwnerUserID)},
				Payload: map[string]interface{}{"campaignId": c.CampaignID, "sent": sent, "failed": failed, "pending": pending, "total": len(recipients)},
			})
		}

		// Step 5: batch pacing.
		batchSize := c.BatchSize
		if batchSize <= 0 {
			batchSize = defaultBatchSize
		}
		if processed%batchSize == 0 && processed != len(recipients) {
			if e.isCancelled(c.CampaignID) {
				return
			}
			e.sleep(c.BatchDelay)
		}
	}

	if e.isCancelled(c.CampaignID) {
		return
	}

	now := e.clock.Now()
	if err := e.store.CampaignUpdate(ctx, c.CampaignID, map[string]interface{}{"status": t.CampaignCompleted, "completed_at": now}); err != nil {
		e.logger.Warn("broadcast: mark completed failed", zap.String("campaignId", c.CampaignID), zap.Error(err))
	}

	var webhookURL string
	if sess, err := e.store.SessionGet(ctx, c.SessionID); err == nil && sess != nil {
		webhookURL = sess.WebhookURL
	}
	e.pub.PublishWithWebhook(fanout.Event{
		Type: fanout.EventBroadcastCompleted, Keys: []string{fanout.BroadcastKey(c.CampaignID), fanout.UserKey(c.OwnerUserID)},
		Payload: map[string]interface{}{"campaignId": c.CampaignID, "sent": sent, "failed": failed},
	}, webhookURL)
}

func (e *Executor) sendOne(ctx context.Context, c t.Campaign, r t.Recipient) error {
	tpl := c.Template
	body := renderTemplate(tpl.Content, tpl.Variables, r)

	switch tpl.Type {
	case t.MsgImage, t.MsgDocument:
		_, err := e.sender.SendMedia(ctx, c.SessionID, r.Phone, string(tpl.Type), tpl.MediaURL, tpl.Caption, "")
		return err
	default:
		_, err := e.sender.Send(ctx, c.SessionID, r.Phone, body)
		return err
	}
}

func renderTemplate(content string, vars map[string]string, r t.Recipient) string {
	out := content
	out = strings.ReplaceAll(out, "{{name}}", r.Name)
	out = strings.ReplaceAll(out, "{{phone}}", r.Phone)
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// adaptiveDelay mirrors the limiter's own jittered pacing so batches that
// clear the rate-limit gate still spread sends out (spec §4.4 step 2).
func (e *Executor) adaptiveDelay() time.Duration {
	return kernel.UniformDuration(2*time.Second, 5*time.Second, e.rng)
}

func (e *Executor) fail(ctx context.Context, campaignID string, cause error) {
	e.logger.Error("broadcast: campaign failed", zap.String("campaignId", campaignID), zap.Error(cause))
	if err := e.store.CampaignUpdate(ctx, campaignID, map[string]interface{}{"status": t.CampaignFailed}); err != nil {
		e.logger.Warn("broadcast: mark failed failed", zap.String("campaignId", campaignID), zap.Error(err))
	}
	e.pub.Publish(fanout.Event{
		Type: fanout.EventBroadcastFailed, Keys: []string{fanout.BroadcastKey(campaignID)},
		Payload: map[string]interface{}{"campaignId": campaignID, "error": cause.Error()},
	})
}

// PromoteDue starts every scheduled campaign whose time has arrived, for the
// scheduler (SPEC_FULL.md §B.5): it simply calls Execute, which moves each one
// to processing, since a scheduled campaign's state machine entry point is
// identical to a manually started draft one. It returns how many started.
func (e *Executor) PromoteDue(ctx context.Context) (int, error) {
	due, err := e.store.DueScheduledCampaigns(ctx, e.clock.Now())
	if err != nil {
		return 0, errs.Internalf(err, "broadcast: load due campaigns")
	}
	n := 0
	for _, c := range due {
		if err := e.Execute(ctx, c.CampaignID); err != nil {
			e.logger.Warn("broadcast: promote due campaign failed", zap.String("campaignId", c.CampaignID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
