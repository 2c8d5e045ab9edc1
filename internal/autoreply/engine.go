// Package autoreply implements the Auto-Reply Engine (spec §4.3):
// responder selection (manual rules, shipping-cost command, AI fallback),
// rate-limited and human-paced outbound delivery.
package autoreply

import (
	"context"
	"errors"
	"strings"
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
	typingMinDelay = 1500 * time.Millisecond
	typingMaxDelay = 8 * time.Second
	typingPerWord  = 200 * time.Millisecond
	pauseMinDelay  = 300 * time.Millisecond
	pauseMaxDelay  = 800 * time.Millisecond
)

// Store is the slice of adapter.Adapter the engine needs.
type Store interface {
	SessionGet(ctx context.Context, sessionID string) (*t.Session, error)
	ManualRulesActive(ctx context.Context, sessionID string) ([]t.ManualRule, error)
	ConversationHistory(ctx context.Context, sessionID, phone string, n int) ([]t.ConversationMessage, error)
	MessageInsert(ctx context.Context, m *t.Message) (inserted bool, err error)
	MessageUpdateStatus(ctx context.Context, messageID string, status t.MessageStatus, at time.Time) error
}

// RateLimiter is the slice of ratelimit.Limiter the engine needs.
type RateLimiter interface {
	Check(ctx context.Context, sessionID string) (ratelimit.Decision, error)
	RecordSent(ctx context.Context, sessionID string) error
}

// Sender is the slice of session.Manager the engine needs.
type Sender interface {
	Send(ctx context.Context, sessionID, to, body string) (transport.SendReceipt, error)
	Handle(sessionID string) transport.Handle
}

// Publisher is the slice of fanout.Hub the engine needs.
type Publisher interface {
	Publish(ev fanout.Event)
}

// Engine selects and sends one auto-reply per eligible inbound message.
type Engine struct {
	store    Store
	limiter  RateLimiter
	sender   Sender
	pub      Publisher
	shipping *ShippingResponder
	ai       *AIResponder
	logger   *zap.Logger
	clock    kernel.Clock
	rng      kernel.RNG
	ids      kernel.IDGen
	rules    *regexCache

	sleep func(time.Duration)
}

func New(store Store, limiter RateLimiter, sender Sender, pub Publisher, shipping *ShippingResponder, ai *AIResponder, logger *zap.Logger, clock kernel.Clock, rng kernel.RNG, ids kernel.IDGen) *Engine {
	return &Engine{
		store: store, limiter: limiter, sender: sender, pub: pub, shipping: shipping, ai: ai,
		logger: logger, clock: clock, rng: rng, ids: ids, rules: newRegexCache(),
		sleep: time.Sleep,
	}
}

// Trigger implements inbound.AutoReplyTrigger. It runs in its own goroutine
// so the inbound dispatcher never blocks on auto-reply delivery.
func (e *Engine) Trigger(sessionID, phone, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.respond(ctx, sessionID, phone, text); err != nil {
		e.logger.Warn("autoreply: respond failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
}

func (e *Engine) respond(ctx context.Context, sessionID, phone, text string) error {
	sess, err := e.store.SessionGet(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "autoreply: session lookup for %s", sessionID)
	}
	if sess == nil {
		return errs.NotFoundf("autoreply: session %s not found", sessionID)
	}

	reply, source := e.selectResponder(ctx, sess, phone, text)
	if reply == "" {
		return nil
	}

	now := e.clock.Now()
	msg := &t.Message{
		MessageID: e.ids.NewID(), SessionID: sessionID,
		Direction: t.DirOutgoing, Type: t.MsgText,
		FromNumber: sess.PhoneNumber, ToNumber: phone, Content: reply,
		Status: t.MsgPending, AutoReply: true, AutoReplySource: source,
		CreatedAt: now,
	}
	if _, err := e.store.MessageInsert(ctx, msg); err != nil {
		return errs.Internalf(err, "autoreply: insert outgoing message for %s", sessionID)
	}

	decision, err := e.limiter.Check(ctx, sessionID)
	if err != nil {
		_ = e.store.MessageUpdateStatus(ctx, msg.MessageID, t.MsgFailed, e.clock.Now())
		return errs.Internalf(err, "autoreply: rate check for %s", sessionID)
	}
	if !decision.CanSend {
		_ = e.store.MessageUpdateStatus(ctx, msg.MessageID, t.MsgFailed, e.clock.Now())
		return errs.RateLimitedf(decision.Delay, "autoreply: denied for %s: %s", sessionID, decision.Reason)
	}

	e.sleep(decision.Delay)

	if err := e.simulateTyping(ctx, sessionID, phone, reply); err != nil {
		_ = e.store.MessageUpdateStatus(ctx, msg.MessageID, t.MsgFailed, e.clock.Now())
		return err
	}

	if _, err := e.sender.Send(ctx, sessionID, phone, reply); err != nil {
		_ = e.store.MessageUpdateStatus(ctx, msg.MessageID, t.MsgFailed, e.clock.Now())
		return errs.TransientTransportf(err, "autoreply: send for %s", sessionID)
	}

	sentAt := e.clock.Now()
	if err := e.store.MessageUpdateStatus(ctx, msg.MessageID, t.MsgSent, sentAt); err != nil {
		e.logger.Warn("autoreply: mark sent failed", zap.String("messageId", msg.MessageID), zap.Error(err))
	}
	if err := e.limiter.RecordSent(ctx, sessionID); err != nil {
		e.logger.Warn("autoreply: record sent failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
	if e.pub != nil {
		e.pub.Publish(fanout.Event{
			Type: fanout.EventMessageSent,
			Keys: []string{fanout.SessionKey(sessionID), fanout.UserKey(sess.UserID)},
			Payload: map[string]interface{}{
				"sessionId": sessionID, "messageId": msg.MessageID, "to": phone, "source": source,
			},
		})
	}
	return nil
}

// selectResponder implements spec §4.3's first-match-wins priority order.
func (e *Engine) selectResponder(ctx context.Context, sess *t.Session, phone, text string) (string, t.AutoReplySource) {
	rules, err := e.store.ManualRulesActive(ctx, sess.SessionID)
	if err != nil {
		e.logger.Warn("autoreply: load manual rules failed", zap.String("sessionId", sess.SessionID), zap.Error(err))
	}
	if rule, ok := matchManualRule(rules, text, e.rules); ok {
		return rule.Reply, t.SourceManual
	}

	if e.shipping != nil {
		if reply, ok := e.shipping.Reply(ctx, text); ok {
			return reply, t.SourceRajaOngkir
		}
	}

	if e.ai != nil {
		return e.ai.Reply(ctx, e.store, sess, phone, text), t.SourceOpenAI
	}
	return "", t.SourceNone
}

// simulateTyping implements spec §4.3's human-typing pacing: composing ->
// wait -> paused -> short pause -> the caller then sends the text.
func (e *Engine) simulateTyping(ctx context.Context, sessionID, phone, text string) error {
	h := e.sender.Handle(sessionID)
	if h == nil {
		return errs.TransientTransportf(nil, "autoreply: no live transport for %s", sessionID)
	}

	if err := h.SetPresence(ctx, phone, "composing"); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return errs.TransientTransportf(err, "autoreply: composing presence for %s", sessionID)
		}
		e.logger.Debug("autoreply: composing presence failed", zap.String("sessionId", sessionID), zap.Error(err))
	}

	wordCount := len(strings.Fields(text))
	jitter := time.Duration((e.rng.Float64()*2 - 1) * float64(time.Second))
	wait := typingMinDelay
	if computed := time.Duration(wordCount)*typingPerWord + jitter; computed > wait {
		wait = computed
	}
	if wait > typingMaxDelay {
		wait = typingMaxDelay
	}
	e.sleep(wait)

	if err := h.SetPresence(ctx, phone, "paused"); err != nil {
		e.logger.Debug("autoreply: paused presence failed", zap.String("sessionId", sessionID), zap.Error(err))
	}

	e.sleep(kernel.UniformDuration(pauseMinDelay, pauseMaxDelay, e.rng))
	return nil
}
