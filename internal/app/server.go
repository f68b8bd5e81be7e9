package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vk/pipegrid/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

// Handler returns the HTTP control surface bound to this app.
func (a *App) Handler() http.Handler {
	return httpapi.Server{
		Runs:      a.coordinator,
		Artifacts: a.artifacts,
		Parse:     a.ParsePipeline,
		Logger:    a.logger,
	}.Router()
}

// Serve runs the HTTP control surface on the configured address until ctx
// is done, then shuts it down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.HTTP.Addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("🩺 Control surface starting", "address", fmt.Sprintf("http://%s", ln.Addr()))
		// Serve returns http.ErrServerClosed on graceful shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error("Control surface failed unexpectedly", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	a.logger.Info("🩺 Shutting down control surface...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Control surface shutdown failed", "error", err)
		return err
	}
	a.logger.Debug("Control surface shut down gracefully.")
	return nil
}
