package pg

import (
	"context"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// RateBucketGet returns the bucket, creating a zeroed one on first use
// ("get-or-create then conditional update", spec §5 "Shared resources").
func (a *Adapter) RateBucketGet(ctx context.Context, sessionID string) (*t.RateBucket, error) {
	row := a.pool.QueryRow(ctx, `
		insert into whatsapp_rate_limits (session_id, messages_last_hour, messages_today, last_sent_at)
		values ($1, 0, 0, now())
		on conflict (session_id) do update set session_id = excluded.session_id
		returning session_id, messages_last_hour, messages_today, last_sent_at, cooldown_until`,
		sessionID)

	var b t.RateBucket
	if err := row.Scan(&b.SessionID, &b.MessagesLastHour, &b.MessagesToday, &b.LastSentAt, &b.CooldownUntil); err != nil {
		return nil, errs.Internalf(err, "pg: get-or-create rate bucket %s", sessionID)
	}
	return &b, nil
}

func (a *Adapter) RateBucketUpsert(ctx context.Context, b *t.RateBucket) error {
	_, err := a.pool.Exec(ctx, `
		insert into whatsapp_rate_limits (session_id, messages_last_hour, messages_today, last_sent_at, cooldown_until)
		values ($1,$2,$3,$4,$5)
		on conflict (session_id) do update set
			messages_last_hour = excluded.messages_last_hour,
			messages_today = excluded.messages_today,
			last_sent_at = excluded.last_sent_at,
			cooldown_until = excluded.cooldown_until`,
		b.SessionID, b.MessagesLastHour, b.MessagesToday, b.LastSentAt, b.CooldownUntil)
	if err != nil {
		return errs.Internalf(err, "pg: upsert rate bucket %s", b.SessionID)
	}
	return nil
}
