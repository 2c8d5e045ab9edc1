package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// MessageInsert is the at-most-once persist spec §3/§4.2 requires: a unique
// constraint on message_id makes a duplicate insert a no-op rather than an
// error (spec §7: "integrity — unique violation — treated as success for
// idempotent upserts").
func (a *Adapter) MessageInsert(ctx context.Context, m *t.Message) (bool, error) {
	media, err := json.Marshal(m.Media)
	if err != nil {
		return false, errs.Internalf(err, "pg: marshal media")
	}
	replyCtx, err := json.Marshal(m.ReplyContext)
	if err != nil {
		return false, errs.Internalf(err, "pg: marshal reply context")
	}

	tag, err := a.pool.Exec(ctx, `
		insert into whatsapp_messages
			(message_id, session_id, direction, type, from_number, to_number, push_name,
			 content, media, status, auto_reply, auto_reply_source, reply_context, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
		on conflict (message_id) do nothing`,
		m.MessageID, m.SessionID, m.Direction, m.Type, m.FromNumber, m.ToNumber, m.PushName,
		m.Content, media, m.Status, m.AutoReply, m.AutoReplySource, replyCtx)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, errs.Internalf(err, "pg: insert message %s", m.MessageID)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `select exists(select 1 from whatsapp_messages where message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, errs.Internalf(err, "pg: check message exists %s", messageID)
	}
	return exists, nil
}

// MessageUpdateStatus advances status and the matching timestamp column.
// Callers are responsible for only calling with a status that is a forward
// move in the pending -> sent -> delivered -> read progression (spec §3
// invariant; failed is terminal).
func (a *Adapter) MessageUpdateStatus(ctx context.Context, messageID string, status t.MessageStatus, at time.Time) error {
	col := ""
	switch status {
	case t.MsgSent:
		col = "sent_at"
	case t.MsgDelivered:
		col = "delivered_at"
	case t.MsgRead:
		col = "read_at"
	}
	query := "update whatsapp_messages set status = $2"
	args := []interface{}{messageID, status}
	if col != "" {
		query += ", " + col + " = $3"
		args = append(args, at)
	}
	query += " where message_id = $1"
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return errs.Internalf(err, "pg: update message status %s", messageID)
	}
	return nil
}
