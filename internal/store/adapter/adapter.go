// Package adapter defines the interface every persistence gateway in the
// gateway must implement, decoupling the core components from any one
// relational driver (grounded on the teacher's
// server/store/adapter.Adapter — generalized from chat-topic persistence to
// session/message/campaign/contact/group/rate-bucket persistence).
package adapter

import (
	"context"
	"time"

	t "github.com/relaymesh/gateway/internal/store/types"
)

// Adapter is the durable-state contract. A concrete implementation (e.g.
// internal/store/pg) is the only thing in the gateway that talks to the
// relational driver directly — itself an out-of-scope external collaborator
// per spec §1.
type Adapter interface {
	Open(ctx context.Context) error
	Close() error

	// Sessions

	SessionCreate(ctx context.Context, s *t.Session) error
	SessionGet(ctx context.Context, sessionID string) (*t.Session, error)
	SessionList(ctx context.Context, userID string, activeOnly bool) ([]t.Session, error)
	SessionUpdate(ctx context.Context, sessionID string, update map[string]interface{}) error
	SessionSoftDelete(ctx context.Context, sessionID string) error
	SessionExpireStaleQR(ctx context.Context, olderThan time.Time) (int, error)

	// Messages

	// MessageInsert performs the at-most-once insert from spec §3/§4.2: if a
	// row with the same MessageID already exists, it is a no-op and
	// inserted=false is returned with no error.
	MessageInsert(ctx context.Context, m *t.Message) (inserted bool, err error)
	MessageUpdateStatus(ctx context.Context, messageID string, status t.MessageStatus, at time.Time) error
	MessageExists(ctx context.Context, messageID string) (bool, error)

	// Rate buckets

	RateBucketGet(ctx context.Context, sessionID string) (*t.RateBucket, error)
	RateBucketUpsert(ctx context.Context, b *t.RateBucket) error

	// Campaigns & recipients

	CampaignCreate(ctx context.Context, c *t.Campaign, recipients []t.Recipient) error
	CampaignGet(ctx context.Context, campaignID string) (*t.Campaign, error)
	CampaignList(ctx context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error)
	CampaignUpdate(ctx context.Context, campaignID string, update map[string]interface{}) error
	CampaignUpdateTotals(ctx context.Context, campaignID string, sent, failed, pending int) error
	RecipientsPending(ctx context.Context, campaignID string) ([]t.Recipient, error)
	RecipientUpdate(ctx context.Context, campaignID, phone string, status t.RecipientStatus, errMsg string) error
	DueScheduledCampaigns(ctx context.Context, now time.Time) ([]t.Campaign, error)

	// Contacts

	ContactUpsert(ctx context.Context, c *t.Contact) error
	ContactList(ctx context.Context, userID, sessionID string) ([]t.Contact, error)
	ContactsBatchUpsert(ctx context.Context, cs []t.Contact) error

	// Groups

	GroupUpsert(ctx context.Context, g *t.Group) error
	GroupMemberUpsert(ctx context.Context, m *t.GroupMember) error
	GroupsBatchUpsert(ctx context.Context, gs []t.Group) error
	GroupSetParticipantCount(ctx context.Context, groupJID string, n int) error

	// Scraping logs

	ScrapingLogStart(ctx context.Context, userID, sessionID string, at time.Time) (*t.ScrapingLog, error)
	ScrapingLogComplete(ctx context.Context, id int64, total int, at time.Time) error
	ScrapingLogFail(ctx context.Context, id int64, errMsg string, at time.Time) error
	ScrapingLogLast(ctx context.Context, userID, sessionID string) (*t.ScrapingLog, error)
	ScrapingLogCompletedCount(ctx context.Context, userID, sessionID string, since time.Time) (int, error)
	ScrapingLogExpireStuck(ctx context.Context, olderThan time.Time) (int, error)

	// Conversations (§4.2.1 collaborator table)

	ConversationUpsert(ctx context.Context, sessionID, phone string) (*t.Conversation, error)
	ConversationAppendMessage(ctx context.Context, convID int64, dir t.MessageDirection, content string, at time.Time) error
	ConversationHistory(ctx context.Context, sessionID, phone string, n int) ([]t.ConversationMessage, error)

	// Manual auto-reply rules

	ManualRulesActive(ctx context.Context, sessionID string) ([]t.ManualRule, error)
}
