package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "porter/api/v1"
	"porter/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the callback endpoint and the watchdog",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Component("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		if err := a.settings.Watch(ctx); err != nil {
			log.WithError(err).Warn("Settings hot reload disabled")
		}
	}()

	if len(cfg.API.Operators) == 0 {
		log.Warn("PORTER_OPERATORS is empty: task dispatch and compute validation over the API are disabled")
	}

	if cfg.Watchdog.Enabled {
		worker := a.watchdog()
		worker.Start()
		defer worker.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	v1.SetupRouter(r, &v1.Deps{
		Dispatcher:    a.dispatcher,
		Callbacks:     a.callbacks,
		GitHub:        a.github,
		Cache:         a.cache,
		Machines:      a.machines,
		Settings:      a.settings,
		Agents:        a.agents,
		Apps:          a.apps,
		Identity:      a.github,
		IsOperator:    cfg.API.IsOperator,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		BotMention:    cfg.GitHub.BotMention,
		Logger:        logger.Component("http"),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
