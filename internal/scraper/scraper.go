// Package scraper implements the Contacts & Groups Scraper (spec §4.6):
// quota/cooldown enforcement, multi-source enumeration with dedup, batched
// LID resolution, randomized pacing, and batched persistence.
package scraper

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	t "github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	types "github.com/relaymesh/gateway/internal/store/types"
	"github.com/relaymesh/gateway/internal/transport"
)

const lidResolveBatchSize = 50

// Store is the slice of adapter.Adapter the scraper needs.
type Store interface {
	SessionGet(ctx context.Context, sessionID string) (*types.Session, error)
	ScrapingLogStart(ctx context.Context, userID, sessionID string, at time.Time) (*types.ScrapingLog, error)
	ScrapingLogComplete(ctx context.Context, id int64, total int, at time.Time) error
	ScrapingLogFail(ctx context.Context, id int64, errMsg string, at time.Time) error
	ScrapingLogLast(ctx context.Context, userID, sessionID string) (*types.ScrapingLog, error)
	ScrapingLogCompletedCount(ctx context.Context, userID, sessionID string, since time.Time) (int, error)
	ContactsBatchUpsert(ctx context.Context, cs []types.Contact) error
	GroupsBatchUpsert(ctx context.Context, gs []types.Group) error
	GroupMemberUpsert(ctx context.Context, m *types.GroupMember) error
	GroupSetParticipantCount(ctx context.Context, groupJID string, n int) error
}

// HandleProvider hands back the live transport handle and connectivity for a session.
type HandleProvider interface {
	Handle(sessionID string) transport.Handle
	IsConnected(ctx context.Context, sessionID string) (bool, error)
}

// Scraper drives one enumeration pass at a time per (user, session).
type Scraper struct {
	store    Store
	sessions HandleProvider
	logger   *zap.Logger
	clock    t.Clock
	rng      t.RNG
	profile  t.ScrapeProfile

	sleep func(time.Duration)
}

func New(store Store, sessions HandleProvider, logger *zap.Logger, clock t.Clock, rng t.RNG, profile t.ScrapeProfile) *Scraper {
	return &Scraper{store: store, sessions: sessions, logger: logger, clock: clock, rng: rng, profile: profile, sleep: time.Sleep}
}

// classifyJID mirrors internal/inbound's JID classification for the subset
// the scraper needs (group vs LID vs phone).
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

func pseudoLIDIdentifier(lid string) string {
	var b strings.Builder
	for _, r := range lid {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return "LID_" + b.String()
}

// Run executes one full scrape for (userID, sessionID) (spec §4.6 "Flow").
func (s *Scraper) Run(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.SessionGet(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "scraper: session lookup for %s", sessionID)
	}
	if sess == nil || sess.UserID != userID {
		return errs.Forbiddenf("scraper: session %s not owned by %s", sessionID, userID)
	}
	connected, err := s.sessions.IsConnected(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "scraper: connectivity check for %s", sessionID)
	}
	if !connected {
		return errs.PreconditionFailedf("scraper: session %s is not connected", sessionID)
	}

	if err := s.checkQuotaAndCooldown(ctx, userID, sessionID); err != nil {
		return err
	}

	now := s.clock.Now()
	logRow, err := s.store.ScrapingLogStart(ctx, userID, sessionID, now)
	if err != nil {
		return errs.Internalf(err, "scraper: start log for %s", sessionID)
	}

	total, err := s.enumerate(ctx, sess, sessionID)
	if err != nil {
		_ = s.store.ScrapingLogFail(ctx, logRow.ID, err.Error(), s.clock.Now())
		return err
	}

	if err := s.store.ScrapingLogComplete(ctx, logRow.ID, total, s.clock.Now()); err != nil {
		return errs.Internalf(err, "scraper: complete log for %s", sessionID)
	}
	return nil
}

// Status is a quota/cooldown snapshot for GET /api/contacts/:sid/status.
type Status struct {
	CompletedToday int        `json:"completedToday"`
	MaxPerDay      int        `json:"maxPerDay"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	CanScrapeNow   bool       `json:"canScrapeNow"`
}

// Status reports today's completed count and any active cooldown without
// starting a scrape.
func (s *Scraper) Status(ctx context.Context, userID, sessionID string) (Status, error) {
	now := s.clock.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	count, err := s.store.ScrapingLogCompletedCount(ctx, userID, sessionID, startOfDay)
	if err != nil {
		return Status{}, errs.Internalf(err, "scraper: status quota check for %s", sessionID)
	}
	out := Status{CompletedToday: count, MaxPerDay: s.profile.MaxScrapesPerDay, CanScrapeNow: true}
	if s.profile.MaxScrapesPerDay > 0 && count >= s.profile.MaxScrapesPerDay {
		out.CanScrapeNow = false
	}

	last, err := s.store.ScrapingLogLast(ctx, userID, sessionID)
	if err != nil {
		return Status{}, errs.Internalf(err, "scraper: status cooldown check for %s", sessionID)
	}
	if last != nil && last.EndedAt != nil {
		elapsed := now.Sub(*last.EndedAt)
		if elapsed < s.profile.CooldownBetweenScrapes {
			until := last.EndedAt.Add(s.profile.CooldownBetweenScrapes)
			out.CooldownUntil = &until
			out.CanScrapeNow = false
		}
	}
	return out, nil
}

func (s *Scraper) checkQuotaAndCooldown(ctx context.Context, userID, sessionID string) error {
	now := s.clock.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	count, err := s.store.ScrapingLogCompletedCount(ctx, userID, sessionID, startOfDay)
	if err != nil {
		return errs.Internalf(err, "scraper: quota check for %s", sessionID)
	}
	if s.profile.MaxScrapesPerDay > 0 && count >= s.profile.MaxScrapesPerDay {
		return errs.RateLimitedf(24*time.Hour, "scraper: daily scrape quota reached for %s", sessionID)
	}

	last, err := s.store.ScrapingLogLast(ctx, userID, sessionID)
	if err != nil {
		return errs.Internalf(err, "scraper: cooldown check for %s", sessionID)
	}
	if last != nil && last.EndedAt != nil {
		elapsed := now.Sub(*last.EndedAt)
		if elapsed < s.profile.CooldownBetweenScrapes {
			return errs.RateLimitedf(s.profile.CooldownBetweenScrapes-elapsed, "scraper: cooldown active for %s", sessionID)
		}
	}
	return nil
}

type collectedContact struct {
	phone       string
	pushName    string
	displayName string
	isBusiness  bool
	isLIDFormat bool
}

// enumerate implements spec §4.6 steps 3-7 and returns the total unique
// entries collected (contacts + LID pseudo-identifiers).
func (s *Scraper) enumerate(ctx context.Context, sess *types.Session, sessionID string) (int, error) {
	h := s.sessions.Handle(sessionID)
	if h == nil {
		return 0, errs.PreconditionFailedf("scraper: no live transport for %s", sessionID)
	}

	collected := make(map[string]collectedContact)
	var unresolvedLIDs []string

	// Source (a): the transport's contact store.
	contacts, err := h.Contacts(ctx)
	if err != nil {
		return 0, errs.TransientTransportf(err, "scraper: list contacts for %s", sessionID)
	}
	for _, c := range contacts {
		if len(collected) >= s.profile.MaxContactsPerScrape {
			break
		}
		collected[c.Phone] = collectedContact{phone: c.Phone, pushName: c.PushName, displayName: c.DisplayName, isBusiness: c.IsBusiness}
	}

	// Source (b): the chat list.
	chats, err := h.Chats(ctx)
	if err != nil {
		s.logger.Warn("scraper: list chats failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
	for _, jid := range chats {
		if len(collected) >= s.profile.MaxContactsPerScrape {
			break
		}
		phone, lid, isGroup := classifyJID(jid)
		if isGroup {
			continue
		}
		if phone != "" {
			if _, ok := collected[phone]; !ok {
				collected[phone] = collectedContact{phone: phone}
			}
		} else if lid != "" {
			unresolvedLIDs = append(unresolvedLIDs, lid)
		}
	}

	// Source (c): each joined group's participant list.
	groups, err := h.JoinedGroups(ctx)
	if err != nil {
		s.logger.Warn("scraper: list groups failed", zap.String("sessionId", sessionID), zap.Error(err))
		groups = nil
	}

	groupRows := make([]types.Group, 0, len(groups))
	for i, g := range groups {
		if i > 0 {
			s.sleep(t.UniformDuration(s.profile.MinDelayBetweenGroups, s.profile.MaxDelayBetweenGroups, s.rng))
		}

		participants, err := h.GroupParticipants(ctx, g.JID)
		if err != nil {
			s.logger.Warn("scraper: group participants failed", zap.String("groupJid", g.JID), zap.Error(err))
			continue
		}

		adminCount := 0
		for _, p := range participants {
			if p.IsAdmin {
				adminCount++
			}
			if p.IsLID || p.Phone == "" {
				unresolvedLIDs = append(unresolvedLIDs, strings.TrimSuffix(p.JID, "@lid"))
				continue
			}
			if len(collected) >= s.profile.MaxContactsPerScrape {
				continue
			}
			if _, ok := collected[p.Phone]; !ok {
				collected[p.Phone] = collectedContact{phone: p.Phone, pushName: p.PushName, displayName: p.DisplayName}
			}
		}

		groupRows = append(groupRows, types.Group{
			UserID: sess.UserID, SessionID: sessionID, GroupJID: g.JID, Name: g.Name, Description: g.Description,
			Owner: g.Owner, ParticipantCount: len(participants), AdminCount: adminCount, Announce: g.Announce, Locked: g.Locked,
		})
		for _, p := range participants {
			phone, _, _ := classifyJID(p.JID)
			_ = s.store.GroupMemberUpsert(ctx, &types.GroupMember{
				GroupJID: g.JID, ParticipantJID: p.JID, Phone: phone, DisplayName: p.DisplayName,
				PushName: p.PushName, IsAdmin: p.IsAdmin, IsLIDFormat: p.IsLID,
			})
		}
		_ = s.store.GroupSetParticipantCount(ctx, g.JID, len(participants))
	}

	// Step 4: batched LID resolution, max 50 per request. Unresolved LIDs are
	// recorded as LID_<digits> pseudo-identifiers with isLidFormat=true.
	resolved := s.resolveLIDs(ctx, h, unresolvedLIDs)
	for _, lid := range unresolvedLIDs {
		if len(collected) >= s.profile.MaxContactsPerScrape {
			break
		}
		if phone, ok := resolved[lid]; ok {
			if _, exists := collected[phone]; !exists {
				collected[phone] = collectedContact{phone: phone}
			}
			continue
		}
		pseudo := pseudoLIDIdentifier(lid)
		if _, exists := collected[pseudo]; !exists {
			collected[pseudo] = collectedContact{phone: pseudo, isLIDFormat: true}
		}
	}

	// Steps 6-7: persist in batches, preserving user-assigned display_name
	// (the pg adapter's upsert does this via ON CONFLICT ... coalesce).
	rows := make([]types.Contact, 0, len(collected))
	for _, c := range collected {
		row := types.Contact{
			UserID: sess.UserID, SessionID: sessionID, Phone: c.phone,
			PushName: c.pushName, DisplayName: c.displayName, IsBusiness: c.isBusiness,
		}
		if c.isLIDFormat {
			row.Metadata = map[string]interface{}{"isLidFormat": true}
		}
		rows = append(rows, row)
	}
	if err := s.persistBatched(ctx, rows); err != nil {
		return 0, err
	}
	if len(groupRows) > 0 {
		if err := s.store.GroupsBatchUpsert(ctx, groupRows); err != nil {
			s.logger.Warn("scraper: group batch upsert failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
	}

	return len(collected), nil
}

func (s *Scraper) persistBatched(ctx context.Context, rows []types.Contact) error {
	batchSize := s.profile.ContactsPerBatch
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.store.ContactsBatchUpsert(ctx, rows[i:end]); err != nil {
			return errs.Internalf(err, "scraper: persist contact batch")
		}
		if end < len(rows) {
			s.sleep(s.profile.BatchSaveDelay)
		}
	}
	return nil
}

// ScrapeGroupMembers enumerates a single group's participant list, bypassing
// the daily quota/cooldown gate that guards the full Run pass (spec §4.6
// scopes those to address-book-wide enumeration, not a single-group refresh
// the caller already knows the JID for).
func (s *Scraper) ScrapeGroupMembers(ctx context.Context, userID, sessionID, groupJID string) (int, error) {
	sess, err := s.store.SessionGet(ctx, sessionID)
	if err != nil {
		return 0, errs.Internalf(err, "scraper: session lookup for %s", sessionID)
	}
	if sess == nil || sess.UserID != userID {
		return 0, errs.Forbiddenf("scraper: session %s not owned by %s", sessionID, userID)
	}
	h := s.sessions.Handle(sessionID)
	if h == nil {
		return 0, errs.PreconditionFailedf("scraper: no live transport for %s", sessionID)
	}

	participants, err := h.GroupParticipants(ctx, groupJID)
	if err != nil {
		return 0, errs.TransientTransportf(err, "scraper: group participants for %s", groupJID)
	}

	var unresolvedLIDs []string
	for _, p := range participants {
		if p.IsLID || p.Phone == "" {
			unresolvedLIDs = append(unresolvedLIDs, strings.TrimSuffix(p.JID, "@lid"))
		}
	}
	resolved := s.resolveLIDs(ctx, h, unresolvedLIDs)

	for _, p := range participants {
		phone, _, _ := classifyJID(p.JID)
		if phone == "" {
			if lid := strings.TrimSuffix(p.JID, "@lid"); resolved[lid] != "" {
				phone = resolved[lid]
			}
		}
		if err := s.store.GroupMemberUpsert(ctx, &types.GroupMember{
			GroupJID: groupJID, ParticipantJID: p.JID, Phone: phone, DisplayName: p.DisplayName,
			PushName: p.PushName, IsAdmin: p.IsAdmin, IsLIDFormat: p.IsLID,
		}); err != nil {
			return 0, errs.Internalf(err, "scraper: upsert member for %s", groupJID)
		}
	}
	if err := s.store.GroupSetParticipantCount(ctx, groupJID, len(participants)); err != nil {
		s.logger.Warn("scraper: set participant count failed", zap.String("groupJid", groupJID), zap.Error(err))
	}
	return len(participants), nil
}

// resolveLIDs batches unresolved LIDs in groups of lidResolveBatchSize and
// asks the transport to resolve them to phone numbers (spec §4.6 step 4).
func (s *Scraper) resolveLIDs(ctx context.Context, h transport.Handle, lids []string) map[string]string {
	resolved := make(map[string]string)
	for i := 0; i < len(lids); i += lidResolveBatchSize {
		end := i + lidResolveBatchSize
		if end > len(lids) {
			end = len(lids)
		}
		batch := lids[i:end]
		m, err := h.ResolveLIDs(ctx, batch)
		if err != nil {
			s.logger.Warn("scraper: resolve lids failed", zap.Error(err))
			continue
		}
		for k, v := range m {
			resolved[k] = v
		}
	}
	return resolved
}
