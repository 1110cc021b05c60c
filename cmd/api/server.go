package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/infrastructure/postgres/listener"
	"ledgerlink/internal/interfaces/scheduler"
)

// StartServer creates and starts the HTTP server. Listen errors are sent on
// the returned channel.
func StartServer(addr string, handler http.Handler, logger logrus.FieldLogger) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual syncs run on the request path.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return srv, errCh
}

// GracefulShutdown stops accepting requests, then stops the listener and
// drains the scheduler so queued webhooks finish.
func GracefulShutdown(srv *http.Server, l *listener.SyncListener, sched *scheduler.Scheduler, timeout time.Duration, logger logrus.FieldLogger) {
	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}

	if l != nil {
		l.Stop()
	}

	if sched != nil {
		sched.Shutdown(timeout)
	}

	logger.Info("Server stopped")
}
