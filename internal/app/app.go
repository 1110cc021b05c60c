package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/notification"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/infrastructure/crypto"
	"ledgerlink/internal/infrastructure/firebase"
	"ledgerlink/internal/infrastructure/postgres"
	"ledgerlink/internal/infrastructure/providers/plaid"
	"ledgerlink/internal/infrastructure/providers/quickbooks"
	"ledgerlink/internal/infrastructure/providers/stripe"
	"ledgerlink/internal/infrastructure/providers/xero"
	"ledgerlink/internal/infrastructure/pubsub"
	"ledgerlink/internal/infrastructure/redis"
	"ledgerlink/internal/interfaces/scheduler"
	"ledgerlink/internal/shared/config"
	"ledgerlink/internal/shared/messages"
)

// App holds the services shared by the API server and the admin CLI.
type App struct {
	DB *postgres.DB

	SyncService           *datasync.Service
	ReconciliationService *reconciliation.Service
	NotificationService   *notification.Service

	Pool      *scheduler.WorkerPool
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// New connects to the database and wires every service. Redis, Pub/Sub and
// Firebase are optional and only wired when configured.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to database")

	a := &App{DB: db}
	a.closers = append(a.closers, db.Close)

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key, cfg.Encryption.PreviousKeys...)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Repositories
	connectionRepo := postgres.NewConnectionRepository(db, encryptor)
	scheduleRepo := postgres.NewScheduleRepository(db)
	jobRepo := postgres.NewJobRepository(db)
	webhookRepo := postgres.NewWebhookRepository(db)
	ledgerRepo := postgres.NewLedgerRepository(db)
	matchRepo := postgres.NewMatchRepository(db)
	discrepancyRepo := postgres.NewDiscrepancyRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)

	// Push notifications
	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		messenger = fcm
	} else {
		logger.Warn("FIREBASE_CREDENTIALS_FILE not set, alerts are stored but not pushed")
	}
	notificationService := notification.NewService(notificationRepo, messenger, logger)
	if cfg.Firebase.MessagesFile != "" {
		text, err := messages.Load(cfg.Firebase.MessagesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		notificationService.WithMessages(text)
	}

	reconciliationService := reconciliation.NewService(
		ledgerRepo, matchRepo, discrepancyRepo,
		Thresholds(cfg.Reconciliation),
		notificationService, nil, logger,
	)

	registry, err := NewAdapterRegistry(cfg.Providers)
	if err != nil {
		a.Close()
		return nil, err
	}

	syncDeps := datasync.Dependencies{
		Schedules:   scheduleRepo,
		Jobs:        jobRepo,
		Webhooks:    webhookRepo,
		Connections: connectionRepo,
		Ledger:      ledgerRepo,
		Registry:    registry,
		Reconciler:  reconciliationService,
		Alerter:     notificationService,
		Logger:      logger,
	}

	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		syncDeps.Locker = redis.NewLocker(rdb, cfg.Redis.LeaseTTL, cfg.Scheduler.LeaseWait, logger)
		logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis sync leases")
	} else {
		syncDeps.Locker = datasync.NewMutexLocker(cfg.Scheduler.LeaseWait)
		logger.Info("REDIS_ADDR not set, using in-process sync leases")
	}

	if cfg.PubSub.Topic != "" {
		publisher, err := pubsub.NewPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.PubSub.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		syncDeps.Publisher = publisher
	}

	syncService := datasync.NewService(syncDeps, SyncOptions(cfg.Scheduler))

	pool := scheduler.NewWorkerPool(cfg.Scheduler.WorkerCount, cfg.Scheduler.QueueSize, cfg.Scheduler.JobTimeout, logger)
	sched := scheduler.New(syncService, syncService, pool, scheduler.Config{TickInterval: cfg.Scheduler.TickInterval}, logger)

	a.SyncService = syncService
	a.ReconciliationService = reconciliationService
	a.NotificationService = notificationService
	a.Pool = pool
	a.Scheduler = sched

	return a, nil
}

// NewAdapterRegistry builds one adapter per provider.
func NewAdapterRegistry(p config.ProvidersConfig) (*datasync.Registry, error) {
	registry, err := datasync.NewRegistry(
		plaid.NewAdapter(plaid.Config{
			ClientID:          p.Plaid.ClientID,
			Secret:            p.Plaid.Secret,
			Environment:       p.Plaid.Environment,
			RequestsPerSecond: p.RequestsPerSecond,
		}),
		quickbooks.NewAdapter(quickbooks.Config{
			ClientID:          p.QuickBooks.ClientID,
			ClientSecret:      p.QuickBooks.ClientSecret,
			BaseURL:           p.QuickBooks.BaseURL,
			TokenURL:          p.QuickBooks.TokenURL,
			RequestsPerSecond: p.RequestsPerSecond,
		}),
		xero.NewAdapter(xero.Config{
			ClientID:          p.Xero.ClientID,
			ClientSecret:      p.Xero.ClientSecret,
			BaseURL:           p.Xero.BaseURL,
			TokenURL:          p.Xero.TokenURL,
			RequestsPerSecond: p.RequestsPerSecond,
		}),
		stripe.NewAdapter(stripe.Config{
			APIKey:            p.Stripe.APIKey,
			BaseURL:           p.Stripe.BaseURL,
			RequestsPerSecond: p.RequestsPerSecond,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter registry: %w", err)
	}
	return registry, nil
}

// SyncOptions maps scheduler settings onto the sync service.
func SyncOptions(s config.SchedulerConfig) datasync.Options {
	return datasync.Options{
		BatchSize:              s.BatchSize,
		CircuitThreshold:       s.CircuitThreshold,
		DefaultIntervalMinutes: s.DefaultIntervalMinutes,
		MinIntervalMinutes:     s.MinIntervalMinutes,
		WarningAfter:           s.WarningAfter,
		StaleAfter:             s.StaleAfter,
		StaleRunningAfter:      s.StaleRunningAfter,
		InitialLookback:        s.InitialLookback,
		SyncOverlap:            s.SyncOverlap,
	}
}

func Thresholds(rc config.ReconciliationConfig) reconciliation.Thresholds {
	return reconciliation.Thresholds{
		MinScore:    rc.MinScore,
		MediumScore: rc.MediumScore,
		HighScore:   rc.HighScore,
		Materiality: decimal.NewFromFloat(rc.MaterialityThreshold),
		Critical:    decimal.NewFromFloat(rc.CriticalThreshold),
	}
}

// Close releases every resource the app opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
