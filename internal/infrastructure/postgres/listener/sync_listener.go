package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/shared/logging"
)

const (
	channelName       = "sync_requested"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

var ErrInvalidRequest = errors.New("invalid sync request payload")

// SyncRequest is the payload emitted by request_sync() through NOTIFY.
type SyncRequest struct {
	OrganizationID string            `json:"organization_id"`
	Source         connection.Source `json:"source"`
	ConnectionID   string            `json:"connection_id"`
}

// Dispatcher accepts sync requests. The scheduler implements it by queueing
// a manual sync on its worker pool.
type Dispatcher interface {
	RequestSync(organizationID string, source connection.Source, connectionID string) error
}

// SyncListener turns sync_requested notifications into queued manual syncs.
type SyncListener struct {
	connStr    string
	dispatcher Dispatcher
	logger     logrus.FieldLogger
	shutdownCh chan struct{}
	done       chan struct{}
}

func NewSyncListener(connStr string, dispatcher Dispatcher, logger logrus.FieldLogger) *SyncListener {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SyncListener{
		connStr:    connStr,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "sync_listener"),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *SyncListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("Sync request listener started")
}

// Stop gracefully shuts down the listener
func (l *SyncListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("Sync request listener stopped")
}

func (l *SyncListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("Reconnecting to PostgreSQL for notifications")
		}
	}
}

func (l *SyncListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Debug("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.WithError(err).Warn("Disconnected from PostgreSQL notification channel")
		case pq.ListenerEventReconnected:
			l.logger.Info("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.WithError(err).Warn("Notification connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		l.logger.WithError(err).WithField("channel", channelName).Error("Failed to listen on channel")
		return
	}

	l.logger.WithField("channel", channelName).Info("Listening for sync requests")

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			if notification == nil {
				// connection lost
				return
			}
			l.handle(notification.Extra)
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.WithError(err).Warn("Listener ping failed")
				}
			}()
		}
	}
}

func (l *SyncListener) handle(payload string) {
	req, err := ParseSyncRequest(payload)
	if err != nil {
		l.logger.WithError(err).WithField("payload", payload).Warn("Ignoring sync request")
		return
	}

	log := l.logger.WithFields(logrus.Fields{
		"organization_id": req.OrganizationID,
		"source":          req.Source,
		"connection_id":   req.ConnectionID,
	})
	if err := l.dispatcher.RequestSync(req.OrganizationID, req.Source, req.ConnectionID); err != nil {
		log.WithError(err).Error("Failed to queue requested sync")
		return
	}
	log.Info("Queued requested sync")
}

// ParseSyncRequest decodes and validates a notification payload.
func ParseSyncRequest(payload string) (*SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.OrganizationID == "" || req.ConnectionID == "" {
		return nil, fmt.Errorf("%w: organization_id and connection_id are required", ErrInvalidRequest)
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, req.Source)
	}
	return &req, nil
}
