// Package types holds the durable domain model shared by every core
// component and the persistence gateway (spec §3), grounded on the shape of
// the teacher's server/store/types package (one file per aggregate, plain
// structs, JSON-friendly metadata blobs as map[string]interface{}).
package types

import "time"

// SessionStatus is the Session Manager's connection state (spec §4.1).
type SessionStatus string

const (
	SessionQRPending    SessionStatus = "qr_pending"
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	SessionFailed       SessionStatus = "failed"
)

// Session is one long-lived authenticated attachment to the chat network
// for one tenant phone (spec §3 "Session").
type Session struct {
	ID             int64
	SessionID      string // opaque external id, tenant-scoped unique
	UserID         string
	DisplayName    string
	PhoneNumber    string // empty until paired
	Status         SessionStatus
	QRCode         string
	QRExpiresAt    time.Time
	AIAssistantKind string
	AIConfig       map[string]interface{}
	WebhookURL     string
	Settings       SessionSettings
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	Active         bool
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionSettings is the recognized free-form settings blob (spec §3).
type SessionSettings struct {
	AutoReplyEnabled  bool
	AutoSaveContacts  bool
	CustomSystemPrompt string
}

// QRValid reports whether the session's QR payload is still usable.
func (s *Session) QRValid(now time.Time) bool {
	return s.QRCode != "" && now.Before(s.QRExpiresAt)
}

// MessageDirection is incoming (from the chat network) or outgoing (sent by
// the gateway).
type MessageDirection string

const (
	DirIncoming MessageDirection = "incoming"
	DirOutgoing MessageDirection = "outgoing"
)

// MessageType enumerates the payload kinds spec §3 names.
type MessageType string

const (
	MsgText     MessageType = "text"
	MsgImage    MessageType = "image"
	MsgVideo    MessageType = "video"
	MsgAudio    MessageType = "audio"
	MsgDocument MessageType = "document"
	MsgSticker  MessageType = "sticker"
	MsgLocation MessageType = "location"
	MsgContact  MessageType = "contact"
	MsgOther    MessageType = "other"
)

// MessageStatus is the monotone status progression from spec §3.
type MessageStatus string

const (
	MsgPending   MessageStatus = "pending"
	MsgSent      MessageStatus = "sent"
	MsgDelivered MessageStatus = "delivered"
	MsgRead      MessageStatus = "read"
	MsgFailed    MessageStatus = "failed"
)

// AutoReplySource identifies which responder produced an auto-reply.
type AutoReplySource string

const (
	SourceOpenAI     AutoReplySource = "openai"
	SourceRajaOngkir AutoReplySource = "rajaongkir"
	SourceManual     AutoReplySource = "manual"
	SourceNone       AutoReplySource = ""
)

// Message is one inbound or outbound chat message (spec §3 "Message").
type Message struct {
	ID            int64
	MessageID     string // externally assigned idempotency key
	SessionID     string
	Direction     MessageDirection
	Type          MessageType
	FromNumber    string
	ToNumber      string
	PushName      string
	Content       string
	Media         map[string]interface{}
	Status        MessageStatus
	AutoReply     bool
	AutoReplySource AutoReplySource
	ReplyContext  map[string]interface{}
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ReadAt        *time.Time
	CreatedAt     time.Time
}

// RateBucket is the per-session counters the Rate Limiter owns (spec §3).
type RateBucket struct {
	SessionID          string
	MessagesLastHour   int
	MessagesToday      int
	LastSentAt         time.Time
	CooldownUntil      *time.Time
}

// CampaignStatus is the broadcast state machine (spec §4.4).
type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// Template is the campaign's message template (spec §3).
type Template struct {
	Type      MessageType
	Content   string
	MediaURL  string
	Caption   string
	Variables map[string]string
}

// Campaign is a named, scheduled bulk send (spec §3 "Broadcast campaign").
type Campaign struct {
	ID            int64
	CampaignID    string
	OwnerUserID   string
	SessionID     string
	Name          string
	Template      Template
	Status        CampaignStatus
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Total         int
	Sent          int
	Failed        int
	Pending       int
	BatchSize     int
	BatchDelay    time.Duration
	CreatedAt     time.Time
}

// RecipientStatus is the per-recipient state (spec §3).
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Recipient is one (campaign, phone) row (spec §3).
type Recipient struct {
	ID         int64
	CampaignID string
	Phone      string
	Name       string
	Status     RecipientStatus
	SentAt     *time.Time
	Error      string
}

// Contact is an (user, session, phone) upserted address-book entry.
type Contact struct {
	ID            int64
	UserID        string
	SessionID     string
	Phone         string
	DisplayName   string
	PushName      string
	IsBusiness    bool
	IsGroup       bool
	Metadata      map[string]interface{}
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Group is a joined group chat (user, session, groupJid).
type Group struct {
	ID               int64
	UserID           string
	SessionID        string
	GroupJID         string
	Name             string
	Description      string
	Owner            string
	ParticipantCount int
	AdminCount       int
	Announce         bool
	Locked           bool
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GroupMember is one (group, participant_jid) row.
type GroupMember struct {
	ID            int64
	GroupJID      string
	ParticipantJID string
	Phone         string // empty when participant is LID-only
	DisplayName   string
	PushName      string
	IsAdmin       bool
	IsLIDFormat   bool
}

// ScrapeStatus is the scraping_logs status (spec §3).
type ScrapeStatus string

const (
	ScrapeInProgress ScrapeStatus = "in_progress"
	ScrapeCompleted  ScrapeStatus = "completed"
	ScrapeFailed     ScrapeStatus = "failed"
)

// ScrapingLog is one row per scraping attempt (spec §3).
type ScrapingLog struct {
	ID        int64
	UserID    string
	SessionID string
	Status    ScrapeStatus
	Total     int
	StartedAt time.Time
	EndedAt   *time.Time
	Error     string
}

// Conversation is the human-agent-routing collaborator table (spec §4.2.1).
// The core treats it as a read/write collaborator it doesn't own the schema
// of, but must create/update on each inbound message.
type Conversation struct {
	ID            int64
	SessionID     string
	Phone         string
	HumanAgentID  string // empty means unassigned -> auto-reply eligible
	UpdatedAt     time.Time
}

// ConversationMessage is one inbound line stored for human-agent context.
type ConversationMessage struct {
	ID             int64
	ConversationID int64
	Direction      MessageDirection
	Content        string
	CreatedAt      time.Time
}

// ManualRule is a user-managed auto-reply rule (spec §4.3.1).
type MatchMode string

const (
	MatchExact      MatchMode = "exact"
	MatchContains   MatchMode = "contains"
	MatchStartsWith MatchMode = "starts_with"
	MatchEndsWith   MatchMode = "ends_with"
	MatchRegex      MatchMode = "regex"
)

type ManualRule struct {
	ID        int64
	SessionID string
	Trigger   string
	Mode      MatchMode
	Priority  int
	Reply     string
	Active    bool
	UpdatedAt time.Time
}
