// Package dashboard serves delivery counters, recent deliveries, live
// outcome events and Prometheus metrics over HTTP.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shutterpost/shutterpost/internal/config"
)

// DefaultPort is used when StartOpts.Port is unset.
const DefaultPort = 8080

// WatchState reports what the service is watching.
type WatchState interface {
	Running() bool
	Config() *config.Config
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Store    Counter
	Watch    WatchState          // optional
	Hub      *Hub                // optional; nil closes /api/events after "connected"
	Gatherer prometheus.Gatherer // optional; nil disables /metrics
	Port     int
	Out      io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("dashboard: store is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status server running at http://localhost:%d/api/status\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
