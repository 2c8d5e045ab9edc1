// Package scheduler drives the three periodic jobs SPEC_FULL.md §B.5
// requires a runner for: promoting due campaigns, expiring stale QR codes,
// and clearing scraping_log rows stuck in_progress longer than
// Config.ScrapeStuckAfter. Grounded on hieuntg81-alfred-ai's cron.Cron-backed Scheduler.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CampaignPromoter hands scheduled campaigns whose time has arrived off to
// the same executor a manual /execute call would use.
type CampaignPromoter interface {
	PromoteDue(ctx context.Context) (int, error)
}

// SessionStore clears stale QR state independent of the transport's own
// re-emission (spec §4.1's QR lifecycle invariant).
type SessionStore interface {
	SessionExpireStaleQR(ctx context.Context, olderThan time.Time) (int, error)
}

// ScrapeLogStore reaps scraping_log rows stuck in_progress longer than
// Config.ScrapeStuckAfter, so the daily quota in spec §4.6 can never
// wedge permanently on a crashed worker.
type ScrapeLogStore interface {
	ScrapingLogExpireStuck(ctx context.Context, olderThan time.Time) (int, error)
}

// Config holds the three job cadences and the stuck-scrape cutoff. When
// CampaignPromoteInterval is zero or negative, New replaces the whole
// Config with DefaultConfig; other zero fields are used as given.
type Config struct {
	CampaignPromoteInterval time.Duration
	QRExpireInterval        time.Duration
	ScrapeReapInterval      time.Duration
	ScrapeStuckAfter        time.Duration
}

func DefaultConfig() Config {
	return Config{
		CampaignPromoteInterval: time.Minute,
		QRExpireInterval:        5 * time.Minute,
		ScrapeReapInterval:      time.Minute,
		ScrapeStuckAfter:        2 * time.Minute,
	}
}

// Scheduler owns a cron.Cron driving the jobs above. Each tick runs on its
// own goroutine via cron's default behavior; no SkipIfStillRunning or
// DelayIfStillRunning wrapper is installed, so a run that outlasts its
// interval can overlap the next run of the same job.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	clock  func() time.Time

	campaigns CampaignPromoter
	sessions  SessionStore
	scrapes   ScrapeLogStore
	cfg       Config
}

func New(campaigns CampaignPromoter, sessions SessionStore, scrapes ScrapeLogStore, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.CampaignPromoteInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cron:      cron.New(),
		logger:    logger,
		clock:     time.Now,
		campaigns: campaigns,
		sessions:  sessions,
		scrapes:   scrapes,
		cfg:       cfg,
	}
}

// Start registers the three jobs and begins the cron loop. It returns an
// error only if a job's schedule spec fails to parse, which cannot happen
// for the fixed-interval specs built here.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(everySpec(s.cfg.CampaignPromoteInterval), s.runPromoteCampaigns); err != nil {
		return fmt.Errorf("scheduler: schedule campaign promotion: %w", err)
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.QRExpireInterval), s.runExpireQR); err != nil {
		return fmt.Errorf("scheduler: schedule qr expiry: %w", err)
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.ScrapeReapInterval), s.runReapScrapes); err != nil {
		return fmt.Errorf("scheduler: schedule scrape reap: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight job to finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Scheduler) runPromoteCampaigns() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.campaigns.PromoteDue(ctx)
	if err != nil {
		s.logger.Warn("scheduler: promote due campaigns failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: promoted due campaigns", zap.Int("count", n))
	}
}

func (s *Scheduler) runExpireQR() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := s.sessions.SessionExpireStaleQR(ctx, s.clock())
	if err != nil {
		s.logger.Warn("scheduler: expire stale qr codes failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: expired stale qr codes", zap.Int("count", n))
	}
}

func (s *Scheduler) runReapScrapes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cutoff := s.clock().Add(-s.cfg.ScrapeStuckAfter)
	n, err := s.scrapes.ScrapingLogExpireStuck(ctx, cutoff)
	if err != nil {
		s.logger.Warn("scheduler: reap stuck scraping logs failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: reaped stuck scraping logs", zap.Int("count", n))
	}
}
