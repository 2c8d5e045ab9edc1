// Package transport defines the interfaces to the external collaborators
// spec §1 places out of scope: the chat-network client (an opaque
// per-session socket with QR pairing and send/receive events), the AI
// text-generation service, and the shipping-cost API. The gateway's core
// components are written against these interfaces only.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a Handle's methods when called against a
// connection the provider has already torn down.
var ErrClosed = errors.New("transport: connection closed")

// Identity is the sum type from Design Note "Two identifier spaces (phone
// JID vs LID)": either a classical phone-number JID or an opaque Linked
// Identity.
type Identity struct {
	Phone string // non-empty when this identity is a phone JID
	LID   string // non-empty when this identity is a Linked Identity
}

func (i Identity) IsLID() bool { return i.LID != "" }

// CloseReason classifies why a session's transport closed, feeding the
// fatal/transient split in spec §4.1.
type CloseReason struct {
	Code        string // e.g. "logout", "invalid_session", "replaced", "401", "403", "500", "timed_out", "connection_lost"
	Description string
}

// Fatal reports whether r should drive the session to the terminal failed
// state (spec §4.1 "Close reasons are classified into fatal ... versus
// transient").
func (r CloseReason) Fatal() bool {
	switch r.Code {
	case "logout", "invalid_session", "replaced", "401", "403", "500":
		return true
	default:
		return false
	}
}

// SendReceipt is the provider's acknowledgement of an outbound send.
type SendReceipt struct {
	ProviderMessageID string
	SentAt            time.Time
}

// InboundEvent is a raw message-upsert event off the transport's stream
// (spec §4.2 "Event intake").
type InboundEvent struct {
	RemoteJID   string
	FromMe      bool
	Participant string // present for group messages
	ProviderMessageID string
	PushName    string
	ServerTime  time.Time
	Kind        string // "notify" (live) or "append" (history resync)
	Type        string // text, image, video, audio, document, sticker, location, contact, other
	Text        string
	Media       map[string]interface{}
}

// Callbacks are the hooks a Session registers with the transport at
// Create-time (spec §4.1 "register inbound message hooks"). The session
// manager never calls back into itself through a stored reference to its
// own session map — callbacks are plain function values injected once at
// construction (Design Note: "Session handle map ... re-architect as
// owned-by-manager with plain function pointers").
type Callbacks struct {
	OnQR       func(sessionID, qrPayload string)
	OnConnected func(sessionID, phone string)
	OnClose    func(sessionID string, reason CloseReason)
	OnMessage  func(sessionID string, ev InboundEvent)
}

// Handle is a live per-session transport connection.
type Handle interface {
	SessionID() string
	IsAuthenticated() bool
	Send(ctx context.Context, to, body string) (SendReceipt, error)
	SendMedia(ctx context.Context, to string, kind, mediaURL, caption, mimetype string) (SendReceipt, error)
	SetPresence(ctx context.Context, to string, presence string) error // "composing" | "paused"
	MarkRead(ctx context.Context, providerMessageID string) error
	Contacts(ctx context.Context) ([]ContactEntry, error)
	Chats(ctx context.Context) ([]string, error) // remote JIDs with recent activity
	GroupParticipants(ctx context.Context, groupJID string) ([]ParticipantEntry, error)
	JoinedGroups(ctx context.Context) ([]GroupEntry, error)
	ResolveLIDs(ctx context.Context, lids []string) (map[string]string, error) // LID -> phone, batched max 50
	Close(ctx context.Context) error
}

// ContactEntry, ParticipantEntry and GroupEntry are the raw shapes the
// transport's address-book/group enumeration returns (spec §4.6).
type ContactEntry struct {
	Phone       string
	DisplayName string
	PushName    string
	IsBusiness  bool
}

type ParticipantEntry struct {
	JID         string
	Phone       string // empty when JID is LID-only
	DisplayName string
	PushName    string
	IsAdmin     bool
	IsLID       bool
}

type GroupEntry struct {
	JID              string
	Name             string
	Description      string
	Owner            string
	ParticipantCount int
	AdminCount       int
	Announce         bool
	Locked           bool
}

// Provider is the opaque third-party chat-network client library (spec §1):
// "exposing a per-session socket, QR-code pairing, and send/receive
// events". The Session Manager is the only component that talks to it.
type Provider interface {
	// Connect opens (or resumes) a per-session transport using on-disk
	// credentials rooted at credsDir, wiring cb for async events.
	Connect(ctx context.Context, sessionID, credsDir string, cb Callbacks) (Handle, error)
	// PurgeCredentials destroys on-disk auth state for sessionID.
	PurgeCredentials(sessionID, credsDir string) error
}

// AIAssistant is the AI text-generation collaborator (spec §4.3.3).
type AIAssistant interface {
	Reply(ctx context.Context, req AIRequest) (string, error)
}

// AIRequest bundles the inputs spec §4.3.3 names: assistant category,
// business name, AI config blob, and a bounded conversation history window.
type AIRequest struct {
	AssistantKind  string
	BusinessName   string
	Config         map[string]interface{}
	SystemPrompt   string
	History        []AITurn
	Message        string
}

type AITurn struct {
	Direction string // "incoming" | "outgoing"
	Content   string
}

// ShippingProvider is the shipping-cost collaborator (spec §4.3.2).
type ShippingProvider interface {
	Cost(ctx context.Context, req ShippingRequest) ([]ShippingQuote, error)
}

type ShippingRequest struct {
	Origin      string
	Destination string
	WeightGrams int
	Courier     string
}

type ShippingQuote struct {
	Service   string
	CostRupiah int
	ETADays   string
}
