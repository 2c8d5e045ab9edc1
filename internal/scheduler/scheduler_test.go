package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCampaigns struct{ calls int32 }

func (f *fakeCampaigns) PromoteDue(_ context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

type fakeSessions struct{ calls int32 }

func (f *fakeSessions) SessionExpireStaleQR(_ context.Context, _ time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

type fakeScrapes struct{ calls int32 }

func (f *fakeScrapes) ScrapingLogExpireStuck(_ context.Context, _ time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

func TestStart_RunsAllJobsOnTheirCadence(t *testing.T) {
	campaigns := &fakeCampaigns{}
	sessions := &fakeSessions{}
	scrapes := &fakeScrapes{}

	s := New(campaigns, sessions, scrapes, zap.NewNop(), Config{
		CampaignPromoteInterval: 20 * time.Millisecond,
		QRExpireInterval:        20 * time.Millisecond,
		ScrapeReapInterval:      20 * time.Millisecond,
		ScrapeStuckAfter:        time.Minute,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&campaigns.calls) > 0 && atomic.LoadInt32(&sessions.calls) > 0 && atomic.LoadInt32(&scrapes.calls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "not all scheduled jobs fired in time")
}

func TestEverySpec_ProducesParseableCronSpec(t *testing.T) {
	require.Equal(t, "@every 1m0s", everySpec(time.Minute))
}
