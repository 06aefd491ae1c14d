// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
	server    *http.Server
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context) (*Application, error) {
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	container, err := NewContainer(appCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	app := &Application{
		ctx:       appCtx,
		cancel:    cancel,
		container: container,
		server: &http.Server{
			Addr:              ":" + container.Config().Port,
			Handler:           container.Handler().Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	container.Logger().Info("Application initialized successfully")
	return app, nil
}

// Run serves HTTP until the process is signalled, then drains in-flight
// requests.
func (app *Application) Run() error {
	logger := app.container.Logger()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting circulation service", zap.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-app.ctx.Done():
	}

	logger.Info("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.cancel != nil {
		app.cancel()
	}
	if app.container != nil {
		app.container.Shutdown(context.Background())
	}
}
