package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
)

// RefreshTokens exchanges a refresh token for a new token pair. An
// invalid_grant answer means the user revoked access or the refresh token
// aged out, which wraps datasync.ErrAuthExpired.
func RefreshTokens(ctx context.Context, cfg *oauth2.Config, client *http.Client, refreshToken string) (connection.Tokens, error) {
	if refreshToken == "" {
		return connection.Tokens{}, fmt.Errorf("%w: no refresh token", datasync.ErrAuthExpired)
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	// An expired token forces the source to hit the token endpoint.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.Response != nil && re.Response.StatusCode == http.StatusBadRequest) {
			return connection.Tokens{}, fmt.Errorf("%w: %v", datasync.ErrAuthExpired, err)
		}
		return connection.Tokens{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	out := connection.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}
