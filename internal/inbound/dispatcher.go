// Package inbound implements the Inbound Dispatcher (spec §4.2): it turns
// raw transport.InboundEvent values into normalized, at-most-once-persisted
// Message rows and routes them into the downstream contact/group/
// conversation/fan-out/auto-reply pipelines.
//
// Grounded on the teacher's topic.go message-processing pipeline (one
// ordered sequence of persistence steps per inbound client packet,
// non-critical side effects logged rather than failing the whole pipeline).
package inbound

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

const (
	liveNotifyFreshness  = 5 * time.Minute
	historyAppendFreshness = 30 * time.Minute

	readMarkBaseMin   = 500 * time.Millisecond
	readMarkBaseMax   = 2 * time.Second
	readMarkPerChar   = 50 * time.Millisecond
	readMarkCap       = 3 * time.Second
)

// Store is the slice of adapter.Adapter the dispatcher needs.
type Store interface {
	SessionGet(ctx context.Context, sessionID string) (*t.Session, error)
	MessageInsert(ctx context.Context, m *t.Message) (inserted bool, err error)
	ContactUpsert(ctx context.Context, c *t.Contact) error
	GroupMemberUpsert(ctx context.Context, m *t.GroupMember) error
	GroupSetParticipantCount(ctx context.Context, groupJID string, n int) error
	ConversationUpsert(ctx context.Context, sessionID, phone string) (*t.Conversation, error)
	ConversationAppendMessage(ctx context.Context, convID int64, dir t.MessageDirection, content string, at time.Time) error
}

// HandleProvider hands back the live transport handle for a session, if any.
type HandleProvider interface {
	Handle(sessionID string) transport.Handle
	IsConnected(ctx context.Context, sessionID string) (bool, error)
}

// Publisher is the slice of fanout.Hub the dispatcher needs.
type Publisher interface {
	Publish(ev fanout.Event)
	PublishWithWebhook(ev fanout.Event, webhookURL string)
}

// AutoReplyTrigger schedules the auto-reply engine's decision for one
// inbound text message, without blocking the dispatcher (spec §4.2 step 10).
type AutoReplyTrigger interface {
	Trigger(sessionID, phone, text string)
}

// Dispatcher wires the inbound pipeline together.
type Dispatcher struct {
	store     Store
	sessions  HandleProvider
	pub       Publisher
	autoReply AutoReplyTrigger
	logger    *zap.Logger
	clock     kernel.Clock
	rng       kernel.RNG
	ids       kernel.IDGen

	sleep func(time.Duration) // overridable in tests
}

func New(store Store, sessions HandleProvider, pub Publisher, autoReply AutoReplyTrigger, logger *zap.Logger, clock kernel.Clock, rng kernel.RNG, ids kernel.IDGen) *Dispatcher {
	return &Dispatcher{
		store: store, sessions: sessions, pub: pub, autoReply: autoReply,
		logger: logger, clock: clock, rng: rng, ids: ids,
		sleep: time.Sleep,
	}
}

// classifyJID splits a raw WhatsApp-style JID into its parts (spec §4.2
// "JID handling"): group JIDs end in "@g.us", Linked Identities in "@lid",
// everything else is a classical phone-number JID.
func classifyJID(raw string) (phone, lid string, isGroup bool) {
	switch {
	case strings.HasSuffix(raw, "@g.us"):
		return "", "", true
	case strings.HasSuffix(raw, "@lid"):
		return "", strings.TrimSuffix(raw, "@lid"), false
	default:
		return strings.TrimSuffix(raw, "@s.whatsapp.net"), "", false
	}
}

// Handle runs the full ordered pipeline from spec §4.2 for one raw event.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, ev transport.InboundEvent) error {
	if ev.FromMe {
		return nil
	}

	freshness := historyAppendFreshness
	if ev.Kind == "notify" {
		freshness = liveNotifyFreshness
	}
	if !ev.ServerTime.IsZero() && d.clock.Now().Sub(ev.ServerTime) > freshness {
		return nil
	}

	// Step 1: session lookup.
	sess, err := d.store.SessionGet(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "inbound: session lookup for %s", sessionID)
	}
	if sess == nil {
		return errs.NotFoundf("inbound: session %s not found", sessionID)
	}

	// Step 2: liveness gate.
	live, err := d.sessions.IsConnected(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "inbound: liveness check for %s", sessionID)
	}
	if !live && sess.Status != t.SessionConnected {
		return nil
	}

	remoteJID := ev.RemoteJID
	phone, lid, isGroup := classifyJID(remoteJID)
	replyJID := remoteJID
	participantPhone := ""
	if isGroup && ev.Participant != "" {
		p, _, _ := classifyJID(ev.Participant)
		participantPhone = p
	}
	identityPhone := phone
	if isGroup {
		identityPhone = participantPhone
	}

	msgID := ev.ProviderMessageID
	if msgID == "" {
		msgID = d.ids.NewID()
	}

	now := d.clock.Now()
	msg := &t.Message{
		MessageID:  msgID,
		SessionID:  sessionID,
		Direction:  t.DirIncoming,
		Type:       t.MessageType(ev.Type),
		FromNumber: identityPhone,
		ToNumber:   replyJID,
		PushName:   ev.PushName,
		Content:    ev.Text,
		Media:      ev.Media,
		Status:     t.MsgDelivered,
		CreatedAt:  now,
	}

	// Steps 3 & 4: idempotent persist.
	inserted, err := d.store.MessageInsert(ctx, msg)
	if err != nil {
		return errs.Internalf(err, "inbound: persist message %s", msgID)
	}
	if !inserted {
		return nil
	}

	// Step 5: contact auto-save (non-critical).
	if sess.Settings.AutoSaveContacts && identityPhone != "" && !isGroup {
		if err := d.store.ContactUpsert(ctx, &t.Contact{
			UserID: sess.UserID, SessionID: sessionID, Phone: identityPhone, PushName: ev.PushName,
		}); err != nil {
			d.logger.Warn("inbound: contact auto-save failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
	}

	// Step 6: group member capture (non-critical).
	if isGroup && ev.Participant != "" {
		if err := d.store.GroupMemberUpsert(ctx, &t.GroupMember{
			GroupJID: remoteJID, ParticipantJID: ev.Participant, Phone: participantPhone,
			PushName: ev.PushName, IsLIDFormat: lid != "" || participantPhone == "",
		}); err != nil {
			d.logger.Warn("inbound: group member upsert failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
		if h := d.sessions.Handle(sessionID); h != nil {
			if participants, err := h.GroupParticipants(ctx, remoteJID); err == nil {
				if err := d.store.GroupSetParticipantCount(ctx, remoteJID, len(participants)); err != nil {
					d.logger.Warn("inbound: refresh participant count failed", zap.String("groupJid", remoteJID), zap.Error(err))
				}
			}
		}
	}

	// Step 7: read-mark simulation, scheduled in the background.
	d.scheduleReadMark(sessionID, msgID, len(ev.Text))

	// Step 8: conversation ledger.
	conv, err := d.store.ConversationUpsert(ctx, sessionID, identityPhone)
	if err != nil {
		d.logger.Warn("inbound: conversation upsert failed", zap.String("sessionId", sessionID), zap.Error(err))
		conv = nil
	}
	if conv != nil {
		if err := d.store.ConversationAppendMessage(ctx, conv.ID, t.DirIncoming, ev.Text, now); err != nil {
			d.logger.Warn("inbound: conversation append failed", zap.Int64("conversationId", conv.ID), zap.Error(err))
		}
	}

	// Step 9: live fan-out, plus a best-effort webhook callback when the
	// session has one configured (SPEC_FULL.md §C.3).
	d.pub.PublishWithWebhook(fanout.Event{
		Type: fanout.EventMessageIncoming,
		Keys: []string{fanout.SessionKey(sessionID), fanout.UserKey(sess.UserID)},
		Payload: map[string]interface{}{
			"sessionId": sessionID, "messageId": msgID, "from": identityPhone, "text": ev.Text, "type": ev.Type,
		},
	}, sess.WebhookURL)

	// Step 10: auto-reply decision.
	if conv != nil && conv.HumanAgentID != "" {
		return nil
	}
	if sess.Settings.AutoReplyEnabled && ev.Type == "text" && d.autoReply != nil {
		go d.autoReply.Trigger(sessionID, identityPhone, ev.Text)
	}

	return nil
}

// scheduleReadMark implements spec §4.2 step 7: a jittered delay derived
// from message length, then a best-effort MarkRead call.
func (d *Dispatcher) scheduleReadMark(sessionID, providerMessageID string, textLen int) {
	perChar := time.Duration(textLen) * readMarkPerChar
	if perChar > readMarkCap {
		perChar = readMarkCap
	}
	base := readMarkBaseMin + time.Duration(d.rng.Float64()*float64(readMarkBaseMax-readMarkBaseMin))
	delay := base + perChar

	go func() {
		d.sleep(delay)
		h := d.sessions.Handle(sessionID)
		if h == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.MarkRead(ctx, providerMessageID); err != nil {
			d.logger.Debug("inbound: mark read failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
	}()
}
