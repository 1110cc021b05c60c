package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/app"
	"ledgerlink/internal/infrastructure/postgres/listener"
	httphandlers "ledgerlink/internal/interfaces/http"
	"ledgerlink/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	*app.App

	// Handlers
	SyncHandler           *httphandlers.SyncHandler
	ReconciliationHandler *httphandlers.ReconciliationHandler
	WebhookHandler        *httphandlers.WebhookHandler
	NotificationHandler   *httphandlers.NotificationHandler
	ConnectionHandler     *httphandlers.ConnectionHandler

	// Sync requests raised by database triggers
	Listener *listener.SyncListener
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Dependencies, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	secrets := httphandlers.WebhookSecrets{
		QuickBooks: cfg.Providers.QuickBooks.WebhookSecret,
		Xero:       cfg.Providers.Xero.WebhookSecret,
		Stripe:     cfg.Providers.Stripe.WebhookSecret,
	}

	return &Dependencies{
		App:                   a,
		SyncHandler:           httphandlers.NewSyncHandler(a.SyncService, logger),
		ReconciliationHandler: httphandlers.NewReconciliationHandler(a.ReconciliationService, a.Scheduler, logger),
		WebhookHandler:        httphandlers.NewWebhookHandler(a.SyncService, a.Scheduler, secrets, logger),
		NotificationHandler:   httphandlers.NewNotificationHandler(a.NotificationService, logger),
		ConnectionHandler:     httphandlers.NewConnectionHandler(a.SyncService, logger),
		Listener:              listener.NewSyncListener(cfg.Database.ConnectionString(), a.Scheduler, logger),
	}, nil
}
