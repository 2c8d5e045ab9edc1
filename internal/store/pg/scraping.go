package pg

import (
	"context"
	"time"

	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

func (a *Adapter) ScrapingLogStart(ctx context.Context, userID, sessionID string, at time.Time) (*t.ScrapingLog, error) {
	var id int64
	err := a.pool.QueryRow(ctx, `
		insert into scraping_logs (user_id, session_id, status, started_at) values ($1,$2,$3,$4) returning id`,
		userID, sessionID, t.ScrapeInProgress, at).Scan(&id)
	if err != nil {
		return nil, errs.Internalf(err, "pg: start scraping log %s/%s", userID, sessionID)
	}
	return &t.ScrapingLog{ID: id, UserID: userID, SessionID: sessionID, Status: t.ScrapeInProgress, StartedAt: at}, nil
}

func (a *Adapter) ScrapingLogComplete(ctx context.Context, id int64, total int, at time.Time) error {
	_, err := a.pool.Exec(ctx, `update scraping_logs set status = $2, total = $3, ended_at = $4 where id = $1`,
		id, t.ScrapeCompleted, total, at)
	if err != nil {
		return errs.Internalf(err, "pg: complete scraping log %d", id)
	}
	return nil
}

func (a *Adapter) ScrapingLogFail(ctx context.Context, id int64, errMsg string, at time.Time) error {
	_, err := a.pool.Exec(ctx, `update scraping_logs set status = $2, error = $3, ended_at = $4 where id = $1`,
		id, t.ScrapeFailed, errMsg, at)
	if err != nil {
		return errs.Internalf(err, "pg: fail scraping log %d", id)
	}
	return nil
}

func (a *Adapter) ScrapingLogLast(ctx context.Context, userID, sessionID string) (*t.ScrapingLog, error) {
	row := a.pool.QueryRow(ctx, `
		select id, status, coalesce(total,0), started_at, ended_at
		from scraping_logs where user_id = $1 and session_id = $2 and status = $3
		order by started_at desc limit 1`, userID, sessionID, t.ScrapeCompleted)

	var l t.ScrapingLog
	l.UserID, l.SessionID = userID, sessionID
	if err := row.Scan(&l.ID, &l.Status, &l.Total, &l.StartedAt, &l.EndedAt); err != nil {
		return nil, nil // no prior completed scrape
	}
	return &l, nil
}

func (a *Adapter) ScrapingLogCompletedCount(ctx context.Context, userID, sessionID string, since time.Time) (int, error) {
	var n int
	err := a.pool.QueryRow(ctx, `
		select count(*) from scraping_logs
		where user_id = $1 and session_id = $2 and status = $3 and started_at >= $4`,
		userID, sessionID, t.ScrapeCompleted, since).Scan(&n)
	if err != nil {
		return 0, errs.Internalf(err, "pg: count completed scrapes %s/%s", userID, sessionID)
	}
	return n, nil
}

// ScrapingLogExpireStuck marks in_progress rows older than olderThan as
// failed, so a crashed scrape never permanently holds the quota in spec
// §4.6 hostage (supplemented feature from SPEC_FULL.md §B.5).
func (a *Adapter) ScrapingLogExpireStuck(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		update scraping_logs set status = $1, error = 'timed out', ended_at = now()
		where status = $2 and started_at < $3`, t.ScrapeFailed, t.ScrapeInProgress, olderThan)
	if err != nil {
		return 0, errs.Internalf(err, "pg: expire stuck scraping logs")
	}
	return int(tag.RowsAffected()), nil
}
