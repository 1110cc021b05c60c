package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
)

// ConnectionRegistrar stores a newly authorized connection and runs its first sync.
type ConnectionRegistrar interface {
	RegisterConnection(ctx context.Context, params connection.CreateParams, intervalMinutes *int) (*connection.Connection, *datasync.Schedule, *datasync.Job, error)
}

type ConnectionHandler struct {
	registrar ConnectionRegistrar
	logger    logrus.FieldLogger
}

func NewConnectionHandler(registrar ConnectionRegistrar, logger logrus.FieldLogger) *ConnectionHandler {
	return &ConnectionHandler{registrar: registrar, logger: logger}
}

// CreateConnectionRequest carries the token material from a completed
// provider authorization flow.
type CreateConnectionRequest struct {
	Source          string     `json:"source" validate:"required,oneof=plaid quickbooks xero stripe"`
	ExternalID      string     `json:"externalId" validate:"required"`
	AccessToken     string     `json:"accessToken" validate:"required"`
	RefreshToken    string     `json:"refreshToken"`
	TokenExpiresAt  *time.Time `json:"tokenExpiresAt"`
	IntervalMinutes *int       `json:"intervalMinutes" validate:"omitempty,min=1"`
}

type ConnectionResponse struct {
	Connection *connection.Connection `json:"connection"`
	Schedule   *datasync.Schedule     `json:"schedule,omitempty"`
	Job        *datasync.Job          `json:"job,omitempty"`
}

// HandleConnections handles POST /api/connections
func (h *ConnectionHandler) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req CreateConnectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conn, schedule, job, err := h.registrar.RegisterConnection(r.Context(), connection.CreateParams{
		OrganizationID: orgID,
		Source:         connection.Source(req.Source),
		ExternalID:     req.ExternalID,
		Tokens: connection.Tokens{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.TokenExpiresAt,
		},
	}, req.IntervalMinutes)
	if err != nil {
		if conn == nil {
			if errors.Is(err, connection.ErrUnknownSource) {
				writeError(w, http.StatusBadRequest, "Unknown source")
				return
			}
			logFailure(h.logger, r, err, "Failed to register connection")
			writeError(w, http.StatusInternalServerError, "Failed to register connection")
			return
		}
		// The connection is stored; only the first sync setup failed.
		h.logger.WithError(err).WithField("connection_id", conn.ID).Warn("Connection registered without initial sync")
	}

	writeJSON(w, http.StatusCreated, ConnectionResponse{Connection: conn, Schedule: schedule, Job: job})
}
