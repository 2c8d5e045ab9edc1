package autoreply

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	t "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

const aiFailureReply = "Maaf, sistem sedang sibuk. Tim kami akan segera membalas pesan Anda."

const historyWindowSize = 10

var systemPrompts = map[string]string{
	"sales":               "You are a helpful sales assistant. Answer questions about products and pricing concisely.",
	"customer_service":    "You are a customer service assistant. Be polite, empathetic, and solution-focused.",
	"technical_support":   "You are a technical support assistant. Give precise step-by-step troubleshooting guidance.",
	"general":             "You are a helpful general-purpose assistant for this business.",
}

// resolveAssistantKind implements spec §4.3's "{sales, customer_service,
// technical_support, general} derived from either aiAssistantType or
// aiConfig.agent_category" with general as the fallback.
func resolveAssistantKind(aiAssistantKind string, aiConfig map[string]interface{}) string {
	if aiAssistantKind != "" {
		if _, ok := systemPrompts[aiAssistantKind]; ok {
			return aiAssistantKind
		}
	}
	if aiConfig != nil {
		if v, ok := aiConfig["agent_category"].(string); ok {
			if _, known := systemPrompts[v]; known {
				return v
			}
		}
	}
	return "general"
}

// AIResponder wraps a transport.AIAssistant with a circuit breaker
// (SPEC_FULL.md §B.4).
type AIResponder struct {
	inner   transport.AIAssistant
	breaker *gobreaker.CircuitBreaker[string]
}

func NewAIResponder(inner transport.AIAssistant) *AIResponder {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "ai-assistant",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool { return err == nil },
	})
	return &AIResponder{inner: inner, breaker: cb}
}

// ConversationHistory is the slice of adapter.Adapter the AI responder needs.
type ConversationHistory interface {
	ConversationHistory(ctx context.Context, sessionID, phone string, n int) ([]t.ConversationMessage, error)
}

// Reply implements responder-selection step 3 (spec §4.3): any error yields
// the canned failure message rather than propagating.
func (a *AIResponder) Reply(ctx context.Context, store ConversationHistory, sess *t.Session, phone, text string) string {
	history, err := store.ConversationHistory(ctx, sess.SessionID, phone, historyWindowSize)
	if err != nil {
		history = nil
	}

	turns := make([]transport.AITurn, 0, len(history))
	for _, h := range history {
		dir := "incoming"
		if h.Direction == t.DirOutgoing {
			dir = "outgoing"
		}
		turns = append(turns, transport.AITurn{Direction: dir, Content: h.Content})
	}

	kind := resolveAssistantKind(sess.AIAssistantKind, sess.AIConfig)
	reply, err := a.breaker.Execute(func() (string, error) {
		return a.inner.Reply(ctx, transport.AIRequest{
			AssistantKind: kind,
			BusinessName:  sess.DisplayName,
			Config:        sess.AIConfig,
			SystemPrompt:  systemPrompts[kind],
			History:       turns,
			Message:       text,
		})
	})
	if err != nil || reply == "" {
		return aiFailureReply
	}
	return reply
}
