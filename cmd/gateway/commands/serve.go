package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/autoreply"
	"github.com/relaymesh/gateway/internal/broadcast"
	"github.com/relaymesh/gateway/internal/fanout"
	"github.com/relaymesh/gateway/internal/httpapi"
	"github.com/relaymesh/gateway/internal/inbound"
	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/ratelimit"
	"github.com/relaymesh/gateway/internal/scheduler"
	"github.com/relaymesh/gateway/internal/scraper"
	"github.com/relaymesh/gateway/internal/session"
	"github.com/relaymesh/gateway/internal/store/pg"
	"github.com/relaymesh/gateway/internal/transport"
)

// ServeCmd starts the HTTP/WebSocket surface and the background schedulers.
// Exit codes follow spec §6: 0 on graceful shutdown, 1 on fatal startup error.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WS gateway and its background jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envPath, _ := cmd.Flags().GetString("env")

	cfg, err := kernel.LoadConfig(configPath, envPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := kernel.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	store := pg.New(cfg.DatabaseDSN, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Open(ctx); err != nil {
		logger.Error("gateway: database unreachable", zap.Error(err))
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	clock := kernel.RealClock{}
	rng := kernel.NewRealRNG()
	ids := kernel.NewUUIDGen()

	webhook := fanout.NewHTTPWebhookDispatcher(logger, 4)
	defer webhook.Stop()

	// The hub needs session.Manager as its QR replay source, and the
	// Manager needs the hub as its event publisher: qrSource breaks the
	// cycle, set once the Manager exists.
	qrSource := &qrReplayShim{}
	hub := fanout.NewHub(logger, qrSource, webhook)
	defer hub.Shutdown()

	sessionMgr := session.New(store, nil /* transport.Provider: external collaborator, wired by the deployer */, hub, logger, clock, ids, cfg.Session, cfg.SessionStoragePath)
	qrSource.mgr = sessionMgr

	limiter := ratelimit.New(store, ratelimit.FromKernelConfig(cfg.RateLimit), clock, rng)

	// AI assistant and shipping-cost collaborators are out of scope per
	// spec §1; autoreply.Engine tolerates nil responders and simply never
	// matches those branches until a deployer supplies concrete
	// transport.AIAssistant / transport.ShippingProvider implementations.
	autoReply := autoreply.New(store, limiter, sessionMgr, hub, nil, nil, logger, clock, rng, ids)

	dispatcher := inbound.New(store, sessionMgr, hub, autoReply, logger, clock, rng, ids)
	sessionMgr.SetMessageHandler(func(sessionID string, ev transport.InboundEvent) {
		if err := dispatcher.Handle(context.Background(), sessionID, ev); err != nil {
			logger.Warn("gateway: inbound dispatch failed", zap.String("sessionId", sessionID), zap.Error(err))
		}
	})

	broadcastExec := broadcast.New(store, limiter, sessionMgr, hub, logger, clock, rng, ids)

	profile := cfg.ActiveScrapeProfile()
	scrape := scraper.New(store, sessionMgr, logger, clock, rng, profile)

	sched := scheduler.New(broadcastExec, store, store, logger, scheduler.DefaultConfig())
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := httpapi.NewServer(
		httpapi.NewSessionHandler(sessionMgr),
		httpapi.NewBroadcastHandler(broadcastExec, (cfg.RateLimit.MinDelay+cfg.RateLimit.MaxDelay)/2),
		httpapi.NewContactsHandler(scrape, store),
		httpapi.NewGroupsHandler(scrape, sessionMgr, limiter, logger),
		httpapi.NewMessageHandler(sessionMgr, limiter),
		httpapi.NewSocketHandler(hub, logger),
		logger,
	)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway: listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
		logger.Info("gateway: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	logger.Info("gateway: stopped cleanly")
	return nil
}

// qrReplayShim breaks the Hub/Manager construction cycle: the Hub is built
// before the Manager exists, so mgr is set immediately afterward.
type qrReplayShim struct {
	mgr *session.Manager
}

func (s *qrReplayShim) CurrentQR(sessionID string) (string, time.Time, bool) {
	if s.mgr == nil {
		return "", time.Time{}, false
	}
	return s.mgr.CurrentQR(sessionID)
}
