package pg

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// ContactUpsert merges by preferring non-null new values but never
// overwrites a human-assigned display_name with an auto-captured push_name
// (spec §4.2 step 5, §3 "Contact. Upsert merges by preferring non-null new
// values").
func (a *Adapter) ContactUpsert(ctx context.Context, c *t.Contact) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return errs.Internalf(err, "pg: marshal contact metadata")
	}
	_, err = a.pool.Exec(ctx, `
		insert into whatsapp_contacts
			(user_id, session_id, phone, display_name, push_name, is_business, is_group, metadata, last_message_at, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,$8,$9, now(), now())
		on conflict (user_id, session_id, phone) do update set
			display_name = coalesce(whatsapp_contacts.display_name, excluded.display_name),
			push_name = coalesce(excluded.push_name, whatsapp_contacts.push_name),
			is_business = excluded.is_business or whatsapp_contacts.is_business,
			is_group = excluded.is_group or whatsapp_contacts.is_group,
			metadata = excluded.metadata,
			last_message_at = coalesce(excluded.last_message_at, whatsapp_contacts.last_message_at),
			updated_at = now()`,
		c.UserID, c.SessionID, c.Phone, c.DisplayName, c.PushName, c.IsBusiness, c.IsGroup, meta, c.LastMessageAt)
	if err != nil {
		return errs.Internalf(err, "pg: upsert contact %s/%s/%s", c.UserID, c.SessionID, c.Phone)
	}
	return nil
}

func (a *Adapter) ContactList(ctx context.Context, userID, sessionID string) ([]t.Contact, error) {
	rows, err := a.pool.Query(ctx, `
		select phone, coalesce(display_name,''), coalesce(push_name,''), is_business, is_group
		from whatsapp_contacts where user_id = $1 and session_id = $2 order by phone`, userID, sessionID)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list contacts for %s/%s", userID, sessionID)
	}
	defer rows.Close()

	var out []t.Contact
	for rows.Next() {
		var c t.Contact
		c.UserID, c.SessionID = userID, sessionID
		if err := rows.Scan(&c.Phone, &c.DisplayName, &c.PushName, &c.IsBusiness, &c.IsGroup); err != nil {
			return nil, errs.Internalf(err, "pg: scan contact row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactsBatchUpsert persists a slice of contacts in one transaction,
// backing the scraper's "persist in batches" requirement (spec §4.6 step 6).
func (a *Adapter) ContactsBatchUpsert(ctx context.Context, cs []t.Contact) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		for i := range cs {
			c := &cs[i]
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return errs.Internalf(err, "pg: marshal contact metadata")
			}
			_, err = tx.Exec(ctx, `
				insert into whatsapp_contacts (user_id, session_id, phone, display_name, push_name, is_business, is_group, metadata, created_at, updated_at)
				values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,$8, now(), now())
				on conflict (user_id, session_id, phone) do update set
					display_name = coalesce(whatsapp_contacts.display_name, excluded.display_name),
					push_name = coalesce(excluded.push_name, whatsapp_contacts.push_name),
					metadata = excluded.metadata,
					updated_at = now()`,
				c.UserID, c.SessionID, c.Phone, c.DisplayName, c.PushName, c.IsBusiness, c.IsGroup, meta)
			if err != nil {
				return errs.Internalf(err, "pg: batch upsert contact %s", c.Phone)
			}
		}
		return nil
	})
}

func (a *Adapter) GroupUpsert(ctx context.Context, g *t.Group) error {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return errs.Internalf(err, "pg: marshal group metadata")
	}
	_, err = a.pool.Exec(ctx, `
		insert into whatsapp_groups
			(user_id, session_id, group_jid, name, description, owner, participant_count, admin_count, announce, locked, metadata, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now())
		on conflict (user_id, session_id, group_jid) do update set
			name = excluded.name, description = excluded.description, owner = excluded.owner,
			participant_count = excluded.participant_count, admin_count = excluded.admin_count,
			announce = excluded.announce, locked = excluded.locked, metadata = excluded.metadata, updated_at = now()`,
		g.UserID, g.SessionID, g.GroupJID, g.Name, g.Description, g.Owner, g.ParticipantCount,
		g.AdminCount, g.Announce, g.Locked, meta)
	if err != nil {
		return errs.Internalf(err, "pg: upsert group %s", g.GroupJID)
	}
	return nil
}

func (a *Adapter) GroupMemberUpsert(ctx context.Context, m *t.GroupMember) error {
	_, err := a.pool.Exec(ctx, `
		insert into whatsapp_group_members (group_jid, participant_jid, phone, display_name, push_name, is_admin, is_lid_format)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7)
		on conflict (group_jid, participant_jid) do update set
			phone = coalesce(excluded.phone, whatsapp_group_members.phone),
			display_name = coalesce(whatsapp_group_members.display_name, excluded.display_name),
			push_name = coalesce(excluded.push_name, whatsapp_group_members.push_name),
			is_admin = excluded.is_admin, is_lid_format = excluded.is_lid_format`,
		m.GroupJID, m.ParticipantJID, m.Phone, m.DisplayName, m.PushName, m.IsAdmin, m.IsLIDFormat)
	if err != nil {
		return errs.Internalf(err, "pg: upsert group member %s/%s", m.GroupJID, m.ParticipantJID)
	}
	return nil
}

func (a *Adapter) GroupsBatchUpsert(ctx context.Context, gs []t.Group) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		for i := range gs {
			g := &gs[i]
			meta, err := json.Marshal(g.Metadata)
			if err != nil {
				return errs.Internalf(err, "pg: marshal group metadata")
			}
			_, err = tx.Exec(ctx, `
				insert into whatsapp_groups (user_id, session_id, group_jid, name, participant_count, admin_count, metadata, created_at, updated_at)
				values ($1,$2,$3,$4,$5,$6,$7, now(), now())
				on conflict (user_id, session_id, group_jid) do update set
					name = excluded.name, participant_count = excluded.participant_count,
					admin_count = excluded.admin_count, metadata = excluded.metadata, updated_at = now()`,
				g.UserID, g.SessionID, g.GroupJID, g.Name, g.ParticipantCount, g.AdminCount, meta)
			if err != nil {
				return errs.Internalf(err, "pg: batch upsert group %s", g.GroupJID)
			}
		}
		return nil
	})
}

func (a *Adapter) GroupSetParticipantCount(ctx context.Context, groupJID string, n int) error {
	_, err := a.pool.Exec(ctx, `update whatsapp_groups set participant_count = $2, updated_at = now() where group_jid = $1`, groupJID, n)
	if err != nil {
		return errs.Internalf(err, "pg: set participant count %s", groupJID)
	}
	return nil
}
