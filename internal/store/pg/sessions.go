package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

func (a *Adapter) SessionCreate(ctx context.Context, s *t.Session) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return errs.Internalf(err, "pg: marshal session settings")
	}
	aiCfg, err := json.Marshal(s.AIConfig)
	if err != nil {
		return errs.Internalf(err, "pg: marshal ai config")
	}
	_, err = a.pool.Exec(ctx, `
		insert into whatsapp_sessions
			(session_id, user_id, display_name, phone_number, status, ai_assistant_kind,
			 ai_config, webhook_url, settings, active, deleted, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,false,now(),now())
		on conflict (session_id) do nothing`,
		s.SessionID, s.UserID, s.DisplayName, s.PhoneNumber, s.Status, s.AIAssistantKind,
		aiCfg, s.WebhookURL, settings, s.Active)
	if err != nil {
		return errs.Internalf(err, "pg: insert session %s", s.SessionID)
	}
	return nil
}

func (a *Adapter) SessionGet(ctx context.Context, sessionID string) (*t.Session, error) {
	row := a.pool.QueryRow(ctx, `
		select session_id, user_id, display_name, coalesce(phone_number,''), status,
		       coalesce(qr_code,''), coalesce(qr_expires_at, 'epoch'::timestamptz),
		       coalesce(ai_assistant_kind,''), ai_config, coalesce(webhook_url,''), settings,
		       coalesce(last_connected_at,'epoch'::timestamptz),
		       coalesce(last_disconnected_at,'epoch'::timestamptz),
		       active, deleted, created_at, updated_at
		from whatsapp_sessions where session_id = $1 and deleted = false`, sessionID)

	var s t.Session
	var settingsRaw, aiCfgRaw []byte
	s.SessionID = sessionID
	if err := row.Scan(&s.SessionID, &s.UserID, &s.DisplayName, &s.PhoneNumber, &s.Status,
		&s.QRCode, &s.QRExpiresAt, &s.AIAssistantKind, &aiCfgRaw, &s.WebhookURL, &settingsRaw,
		&s.LastConnectedAt, &s.LastDisconnectedAt, &s.Active, &s.Deleted, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, errs.NotFoundf("pg: session %s: %v", sessionID, err)
	}
	_ = json.Unmarshal(settingsRaw, &s.Settings)
	_ = json.Unmarshal(aiCfgRaw, &s.AIConfig)
	return &s, nil
}

func (a *Adapter) SessionList(ctx context.Context, userID string, activeOnly bool) ([]t.Session, error) {
	query := `select session_id, user_id, display_name, coalesce(phone_number,''), status, active
		from whatsapp_sessions where user_id = $1 and deleted = false`
	if activeOnly {
		query += ` and active = true`
	}
	rows, err := a.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list sessions for %s", userID)
	}
	defer rows.Close()

	var out []t.Session
	for rows.Next() {
		var s t.Session
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.DisplayName, &s.PhoneNumber, &s.Status, &s.Active); err != nil {
			return nil, errs.Internalf(err, "pg: scan session row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionUpdate applies a partial update. Recognized keys match the column
// names used throughout the core: status, qr_code, qr_expires_at,
// phone_number, last_connected_at, last_disconnected_at, active.
func (a *Adapter) SessionUpdate(ctx context.Context, sessionID string, update map[string]interface{}) error {
	set := ""
	args := []interface{}{sessionID}
	i := 2
	for col, val := range update {
		if set != "" {
			set += ", "
		}
		set += col + " = $" + itoa(i)
		args = append(args, val)
		i++
	}
	set += ", updated_at = now()"
	_, err := a.pool.Exec(ctx, "update whatsapp_sessions set "+set+" where session_id = $1", args...)
	if err != nil {
		return errs.Internalf(err, "pg: update session %s", sessionID)
	}
	return nil
}

func (a *Adapter) SessionSoftDelete(ctx context.Context, sessionID string) error {
	_, err := a.pool.Exec(ctx, `update whatsapp_sessions set deleted = true, active = false, updated_at = now() where session_id = $1`, sessionID)
	if err != nil {
		return errs.Internalf(err, "pg: soft delete session %s", sessionID)
	}
	return nil
}

// SessionExpireStaleQR clears qr_code (leaving qr_expires_at as it is) on
// qr_pending sessions whose QR has passed its expiry, independent of the transport's own
// re-emission (spec §4.1's "a QR payload is only valid while now <
// qr_expires_at").
func (a *Adapter) SessionExpireStaleQR(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		update whatsapp_sessions
		set qr_code = '', updated_at = now()
		where status = 'qr_pending' and qr_code <> '' and qr_expires_at < $1`, olderThan)
	if err != nil {
		return 0, errs.Internalf(err, "pg: expire stale qr codes")
	}
	return int(tag.RowsAffected()), nil
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}
