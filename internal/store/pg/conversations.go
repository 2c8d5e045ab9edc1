package pg

import (
	"context"
	"time"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// ConversationUpsert creates or touches the (session, phone) conversation
// row the human-agent-routing collaborator owns (spec §4.2.1).
func (a *Adapter) ConversationUpsert(ctx context.Context, sessionID, phone string) (*t.Conversation, error) {
	row := a.pool.QueryRow(ctx, `
		insert into conversations (session_id, phone, updated_at) values ($1,$2, now())
		on conflict (session_id, phone) do update set updated_at = now()
		returning id, session_id, phone, coalesce(human_agent_id,''), updated_at`,
		sessionID, phone)

	var c t.Conversation
	if err := row.Scan(&c.ID, &c.SessionID, &c.Phone, &c.HumanAgentID, &c.UpdatedAt); err != nil {
		return nil, errs.Internalf(err, "pg: upsert conversation %s/%s", sessionID, phone)
	}
	return &c, nil
}

func (a *Adapter) ConversationAppendMessage(ctx context.Context, convID int64, dir t.MessageDirection, content string, at time.Time) error {
	_, err := a.pool.Exec(ctx, `
		insert into conversation_messages (conversation_id, direction, content, created_at) values ($1,$2,$3,$4)`,
		convID, dir, content, at)
	if err != nil {
		return errs.Internalf(err, "pg: append conversation message for %d", convID)
	}
	return nil
}

func (a *Adapter) ConversationHistory(ctx context.Context, sessionID, phone string, n int) ([]t.ConversationMessage, error) {
	rows, err := a.pool.Query(ctx, `
		select cm.id, cm.conversation_id, cm.direction, cm.content, cm.created_at
		from conversation_messages cm
		join conversations c on c.id = cm.conversation_id
		where c.session_id = $1 and c.phone = $2
		order by cm.created_at desc limit $3`, sessionID, phone, n)
	if err != nil {
		return nil, errs.Internalf(err, "pg: load conversation history %s/%s", sessionID, phone)
	}
	defer rows.Close()

	var out []t.ConversationMessage
	for rows.Next() {
		var m t.ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Content, &m.CreatedAt); err != nil {
			return nil, errs.Internalf(err, "pg: scan conversation message row")
		}
		out = append(out, m)
	}
	// reverse to oldest-first, matching SPEC_FULL.md §C.1
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (a *Adapter) ManualRulesActive(ctx context.Context, sessionID string) ([]t.ManualRule, error) {
	rows, err := a.pool.Query(ctx, `
		select id, session_id, trigger, mode, priority, reply, active, updated_at
		from autoreply_rules where session_id = $1 and active = true
		order by priority desc, id asc`, sessionID)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list manual rules for %s", sessionID)
	}
	defer rows.Close()

	var out []t.ManualRule
	for rows.Next() {
		var r t.ManualRule
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Trigger, &r.Mode, &r.Priority, &r.Reply, &r.Active, &r.UpdatedAt); err != nil {
			return nil, errs.Internalf(err, "pg: scan manual rule row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
