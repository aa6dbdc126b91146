package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lifecenter/api"
	"lifecenter/config"
	"lifecenter/session"
	"lifecenter/timers"
)

const shutdownTimeout = 20 * time.Second

func addServe(topLevel *cobra.Command, ro *rootOptions) {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Example: `
lifecenter serve --addr :9090
LIFECENTER_BACKEND=remote LIFECENTER_REDIS_URL=redis://localhost:6379 lifecenter serve
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the configured one")
	topLevel.AddCommand(cmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	d, err := openDeps(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	auth, stopAuth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	defer stopAuth()

	logger := log.StandardLogger()
	sessions := session.NewManager(d.store, session.Options{
		Intervals: timers.Intervals{
			Fast:   cfg.Timers.Fast,
			Medium: cfg.Timers.Medium,
			Slow:   cfg.Timers.Slow,
			Daily:  cfg.Timers.Daily,
		},
		PersistTimeout: cfg.PersistTimeout,
		Notifier:       notifier,
		Logger:         logger,
	})
	defer sessions.Close()

	var dedupe api.Deduper
	if d.redis != nil {
		dedupe = api.NewCommandKeys(d.redis, cfg.Redis.DedupeTTL, cfg.Redis.ChannelPrefix)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(echoprometheus.NewMiddleware("lifecenter"))
	e.Use(api.GzipRequestMiddleware())
	e.GET("/metrics", echoprometheus.NewHandler())
	api.Register(e, sessions, auth, dedupe, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Addr, "backend": cfg.Backend, "auth": cfg.Auth.Mode}).Info("lifecenter listening")
		errCh <- e.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	return nil
}
