// Package app boots the relay server and its background sweeps.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/api"
	"github.com/relayops/claude-relay/internal/config"
	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/db"
	"github.com/relayops/claude-relay/internal/health"
	"github.com/relayops/claude-relay/internal/logging"
	"github.com/relayops/claude-relay/internal/oauth"
	"github.com/relayops/claude-relay/internal/pricing"
	"github.com/relayops/claude-relay/internal/ratelimit"
	"github.com/relayops/claude-relay/internal/relay"
	"github.com/relayops/claude-relay/internal/selector"
	"github.com/relayops/claude-relay/internal/service"
	"github.com/relayops/claude-relay/internal/store"
	"github.com/relayops/claude-relay/internal/usage"
)

// RunServer wires every component from config and serves until ctx is
// cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, cfg *config.Config, port int) error {
	logging.Setup(cfg.Logging)

	dsn, errDSN := cfg.DatabaseDSN()
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	box, errBox := credentials.NewBox(cfg.Encryption.Key)
	if errBox != nil {
		return errBox
	}

	accounts := store.NewAccountStore(conn)
	keys := store.NewAPIKeyStore(conn)
	sessions := store.NewSessionStore(conn)

	recorder := usage.NewRecorder(conn)
	refresher := oauth.NewRefreshManager(accounts, box, cfg.OAuth.RefreshThreshold, cfg.OAuth.RefreshInterval)
	checker := health.NewChecker(accounts, box, cfg.Upstream.BaseURL, cfg.Health.TransientThreshold, cfg.Health.Interval)
	handshake := oauth.NewHandshake(sessions, accounts, box, cfg.OAuth.SessionTTL)

	proxy := service.NewProxy(
		accounts,
		selector.New(accounts),
		box,
		relay.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.RequestTimeout, cfg.Upstream.IdleTimeout),
		refresher,
		pricing.NewTable(cfg.Pricing),
		recorder,
	)

	limiter := ratelimit.NewManager(ratelimit.ProviderFromConfig(cfg.RateLimit))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, api.Deps{
		Config:     cfg,
		Keys:       keys,
		Limiter:    limiter,
		Messages:   api.NewMessagesHandler(proxy),
		Management: api.NewManagementHandler(accounts, keys, box, checker, refresher, handshake),
	})

	refresher.Start(ctx)
	defer refresher.Stop()
	checker.Start(ctx)
	defer checker.Stop()

	if port <= 0 {
		port = cfg.Server.Port
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("relay listening on %s", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("server shutdown")
	}
	recorder.Flush()
	return nil
}
