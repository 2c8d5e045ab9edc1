package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// CampaignCreate persists a campaign and all of its recipients in a single
// transaction (spec §5: "each mutation uses a short transaction when
// touching multiple rows (campaign + recipients, group + members)").
func (a *Adapter) CampaignCreate(ctx context.Context, c *t.Campaign, recipients []t.Recipient) error {
	tpl, err := json.Marshal(c.Template)
	if err != nil {
		return errs.Internalf(err, "pg: marshal template")
	}

	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into broadcast_campaigns
				(campaign_id, owner_user_id, session_id, name, template, status, scheduled_at,
				 total, sent, failed, pending, batch_size, batch_delay_ms, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,0,0,$8,$9,$10, now())`,
			c.CampaignID, c.OwnerUserID, c.SessionID, c.Name, tpl, c.Status, c.ScheduledAt,
			c.Total, c.BatchSize, c.BatchDelay.Milliseconds())
		if err != nil {
			return errs.Internalf(err, "pg: insert campaign %s", c.CampaignID)
		}

		batch := &pgx.Batch{}
		for _, r := range recipients {
			batch.Queue(`insert into broadcast_recipients (campaign_id, phone, name, status) values ($1,$2,$3,$4)`,
				c.CampaignID, r.Phone, r.Name, t.RecipientPending)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range recipients {
			if _, err := br.Exec(); err != nil {
				return errs.Internalf(err, "pg: insert recipient for campaign %s", c.CampaignID)
			}
		}
		return nil
	})
}

func (a *Adapter) CampaignGet(ctx context.Context, campaignID string) (*t.Campaign, error) {
	row := a.pool.QueryRow(ctx, `
		select campaign_id, owner_user_id, session_id, name, template, status, scheduled_at,
		       total, sent, failed, pending, batch_size, batch_delay_ms, created_at
		from broadcast_campaigns where campaign_id = $1`, campaignID)

	var c t.Campaign
	var tpl []byte
	var batchMs int64
	if err := row.Scan(&c.CampaignID, &c.OwnerUserID, &c.SessionID, &c.Name, &tpl, &c.Status,
		&c.ScheduledAt, &c.Total, &c.Sent, &c.Failed, &c.Pending, &c.BatchSize, &batchMs, &c.CreatedAt); err != nil {
		return nil, errs.NotFoundf("pg: campaign %s: %v", campaignID, err)
	}
	_ = json.Unmarshal(tpl, &c.Template)
	c.BatchDelay = time.Duration(batchMs) * time.Millisecond
	return &c, nil
}

func (a *Adapter) CampaignList(ctx context.Context, userID string, status t.CampaignStatus) ([]t.Campaign, error) {
	query := `select campaign_id, name, status, total, sent, failed, pending from broadcast_campaigns where owner_user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		query += " and status = $2"
		args = append(args, status)
	}
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list campaigns for %s", userID)
	}
	defer rows.Close()

	var out []t.Campaign
	for rows.Next() {
		var c t.Campaign
		if err := rows.Scan(&c.CampaignID, &c.Name, &c.Status, &c.Total, &c.Sent, &c.Failed, &c.Pending); err != nil {
			return nil, errs.Internalf(err, "pg: scan campaign row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (a *Adapter) CampaignUpdate(ctx context.Context, campaignID string, update map[string]interface{}) error {
	set := ""
	args := []interface{}{campaignID}
	i := 2
	for col, val := range update {
		if set != "" {
			set += ", "
		}
		set += col + " = $" + itoa(i)
		args = append(args, val)
		i++
	}
	_, err := a.pool.Exec(ctx, "update broadcast_campaigns set "+set+" where campaign_id = $1", args...)
	if err != nil {
		return errs.Internalf(err, "pg: update campaign %s", campaignID)
	}
	return nil
}

func (a *Adapter) CampaignUpdateTotals(ctx context.Context, campaignID string, sent, failed, pending int) error {
	_, err := a.pool.Exec(ctx, `update broadcast_campaigns set sent = $2, failed = $3, pending = $4 where campaign_id = $1`,
		campaignID, sent, failed, pending)
	if err != nil {
		return errs.Internalf(err, "pg: update campaign totals %s", campaignID)
	}
	return nil
}

func (a *Adapter) RecipientsPending(ctx context.Context, campaignID string) ([]t.Recipient, error) {
	rows, err := a.pool.Query(ctx, `
		select id, campaign_id, phone, name, status
		from broadcast_recipients where campaign_id = $1 and status = $2 order by id asc`,
		campaignID, t.RecipientPending)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list pending recipients for %s", campaignID)
	}
	defer rows.Close()

	var out []t.Recipient
	for rows.Next() {
		var r t.Recipient
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Phone, &r.Name, &r.Status); err != nil {
			return nil, errs.Internalf(err, "pg: scan recipient row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *Adapter) RecipientUpdate(ctx context.Context, campaignID, phone string, status t.RecipientStatus, errMsg string) error {
	_, err := a.pool.Exec(ctx, `
		update broadcast_recipients set status = $3, error = $4, sent_at = case when $3 = 'sent' then now() else sent_at end
		where campaign_id = $1 and phone = $2`, campaignID, phone, status, errMsg)
	if err != nil {
		return errs.Internalf(err, "pg: update recipient %s/%s", campaignID, phone)
	}
	return nil
}

func (a *Adapter) DueScheduledCampaigns(ctx context.Context, now time.Time) ([]t.Campaign, error) {
	rows, err := a.pool.Query(ctx, `
		select campaign_id, session_id from broadcast_campaigns
		where status = $1 and scheduled_at <= $2`, t.CampaignScheduled, now)
	if err != nil {
		return nil, errs.Internalf(err, "pg: list due campaigns")
	}
	defer rows.Close()

	var out []t.Campaign
	for rows.Next() {
		var c t.Campaign
		if err := rows.Scan(&c.CampaignID, &c.SessionID); err != nil {
			return nil, errs.Internalf(err, "pg: scan due campaign row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
