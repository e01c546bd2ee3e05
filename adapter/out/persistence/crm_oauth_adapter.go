package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/pkg/crypto"
	"crm_server/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// OAuthAdapter implements out.OAuthRepository using PostgreSQL.
// Tokens are sealed with the cipher when one is configured.
type OAuthAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

func NewOAuthAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *OAuthAdapter {
	if cipher == nil {
		logger.Warn("[OAuthAdapter] token encryption disabled")
	}
	return &OAuthAdapter{db: db, cipher: cipher}
}

type oauthRow struct {
	ID           int64     `db:"id"`
	UserID       string    `db:"user_id"`
	Provider     string    `db:"provider"`
	Email        string    `db:"email"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	IsConnected  bool      `db:"is_connected"`
}

func (a *OAuthAdapter) toDomain(r *oauthRow) *domain.OAuthAccount {
	return &domain.OAuthAccount{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     r.Provider,
		Email:        r.Email,
		AccessToken:  a.cipher.Open(r.AccessToken),
		RefreshToken: a.cipher.Open(r.RefreshToken),
		ExpiresAt:    r.ExpiresAt,
		IsConnected:  r.IsConnected,
	}
}

func (a *OAuthAdapter) seal(token string) string {
	if a.cipher == nil || token == "" {
		return token
	}
	sealed, err := a.cipher.Encrypt(token)
	if err != nil {
		logger.Warn("[OAuthAdapter] failed to encrypt token: %v", err)
		return token
	}
	return sealed
}

const oauthSelectColumns = `id, user_id, provider, email, access_token, refresh_token, expires_at, is_connected`

func (a *OAuthAdapter) ListByUser(ctx context.Context, userID string) ([]*domain.OAuthAccount, error) {
	var rows []oauthRow
	query := `
		SELECT ` + oauthSelectColumns + `
		FROM oauth_connections
		WHERE user_id = $1
		ORDER BY created_at`

	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	accounts := make([]*domain.OAuthAccount, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, a.toDomain(&rows[i]))
	}
	return accounts, nil
}

// GetByEmail returns nil, nil when the account is unknown.
func (a *OAuthAdapter) GetByEmail(ctx context.Context, userID, email string) (*domain.OAuthAccount, error) {
	var row oauthRow
	query := `
		SELECT ` + oauthSelectColumns + `
		FROM oauth_connections
		WHERE user_id = $1 AND lower(email) = lower($2)
		LIMIT 1`

	if err := a.db.GetContext(ctx, &row, query, userID, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a.toDomain(&row), nil
}

func (a *OAuthAdapter) UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt int64) error {
	query := `
		UPDATE oauth_connections
		SET access_token = $1,
		    refresh_token = CASE WHEN $2 = '' THEN refresh_token ELSE $2 END,
		    expires_at = $3, updated_at = NOW()
		WHERE id = $4`

	res, err := a.db.ExecContext(ctx, query, a.seal(accessToken), a.seal(refreshToken), time.Unix(expiresAt, 0), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *OAuthAdapter) MarkDisconnected(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE oauth_connections
		SET is_connected = false, disconnect_reason = $1, updated_at = NOW()
		WHERE id = $2`

	_, err := a.db.ExecContext(ctx, query, reason, id)
	return err
}

var _ out.OAuthRepository = (*OAuthAdapter)(nil)
