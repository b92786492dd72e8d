// Package dashboard serves the operator HTTP API: usage totals, recent
// users and a live turn feed.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/valerybot/valery/internal/accounting"
	"github.com/valerybot/valery/internal/bot"
	"github.com/valerybot/valery/internal/store"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store               *store.Store
	Guard               *bot.Guard
	Timers              *bot.TimerRegistry
	TokenPricer         accounting.TokenPricer
	TranscriptionPricer accounting.TranscriptionPricer
	Port                int
	Out                 io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("dashboard: store is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
