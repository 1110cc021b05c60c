package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/connection"
)

// TokenCipher seals credentials before they reach the database.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type ConnectionRepository struct {
	db     *DB
	cipher TokenCipher
}

func NewConnectionRepository(db *DB, cipher TokenCipher) *ConnectionRepository {
	return &ConnectionRepository{db: db, cipher: cipher}
}

const connectionColumns = `id, organization_id, source, external_id, status, access_token, refresh_token,
	token_expires_at, expired_at, created_at, updated_at`

func (r *ConnectionRepository) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	access, refresh, err := r.seal(params.Tokens)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO connections (id, organization_id, source, external_id, access_token, refresh_token, token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, external_id) DO UPDATE
			SET organization_id = EXCLUDED.organization_id,
			    access_token = EXCLUDED.access_token,
			    refresh_token = EXCLUDED.refresh_token,
			    token_expires_at = EXCLUDED.token_expires_at,
			    status = 'active',
			    expired_at = NULL,
			    updated_at = NOW()
		RETURNING ` + connectionColumns

	c, err := r.scan(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.OrganizationID, params.Source, params.ExternalID,
		access, refresh, params.Tokens.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	c, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) GetByExternalID(ctx context.Context, source connection.Source, externalID string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE source = $1 AND external_id = $2`

	c, err := r.scan(r.db.QueryRowContext(ctx, query, source, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by external id: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE organization_id = $1 ORDER BY source, id`

	rows, err := r.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id string, tokens connection.Tokens) error {
	access, refresh, err := r.seal(tokens)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE connections
		SET access_token = $1, refresh_token = $2, token_expires_at = $3, updated_at = NOW()
		WHERE id = $4`,
		access, refresh, tokens.ExpiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET status = 'expired', expired_at = COALESCE(expired_at, NOW()), updated_at = NOW()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark connection expired: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) seal(tokens connection.Tokens) (string, string, error) {
	access, err := r.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ConnectionRepository) scan(row scanner) (*connection.Connection, error) {
	var c connection.Connection
	var access, refresh string
	var tokenExpiresAt, expiredAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.Source, &c.ExternalID, &c.Status, &access, &refresh,
		&tokenExpiresAt, &expiredAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.AccessToken, err = r.cipher.Decrypt(access); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if c.RefreshToken, err = r.cipher.Decrypt(refresh); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	c.TokenExpiresAt = nullTime(tokenExpiresAt)
	c.ExpiredAt = nullTime(expiredAt)
	return &c, nil
}
