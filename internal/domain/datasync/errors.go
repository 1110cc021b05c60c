package datasync

import (
	"errors"
	"fmt"

	"ledgerlink/internal/domain/connection"
)

// ErrorKind classifies why a sync failed.
type ErrorKind string

const (
	KindConnectionNotFound ErrorKind = "connection_not_found"
	KindAuthExpired        ErrorKind = "auth_expired"
	KindProvider           ErrorKind = "provider_error"
	KindConfiguration      ErrorKind = "configuration_error"
)

// Adapter-facing sentinels. Adapters wrap these so the executor can decide
// whether to refresh credentials.
var (
	// ErrUnauthorized is an auth-class provider rejection (401/410). The
	// executor refreshes credentials once and retries.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrAuthExpired means the refresh token itself is no longer valid.
	ErrAuthExpired = errors.New("connection authorization expired")
)

// SyncError is the error taxonomy surfaced in failed job results.
type SyncError struct {
	Kind         ErrorKind
	Source       connection.Source
	ConnectionID string
	Err          error
}

func (e *SyncError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("%s (%s connection %s): %v", e.Kind, e.Source, e.ConnectionID, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Source, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func newSyncError(kind ErrorKind, source connection.Source, connectionID string, err error) *SyncError {
	return &SyncError{Kind: kind, Source: source, ConnectionID: connectionID, Err: err}
}

// KindOf returns the taxonomy kind of err. Unclassified errors are provider errors.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, connection.ErrConnectionNotFound):
		return KindConnectionNotFound
	case errors.Is(err, connection.ErrUnknownSource):
		return KindConfiguration
	}
	return KindProvider
}

// IsAuthExpired reports whether err means the connection needs human reconnection.
func IsAuthExpired(err error) bool {
	return KindOf(err) == KindAuthExpired
}
