package out

import (
	"context"

	"crm_server/core/domain"
)

// EmailRepository persists contact timeline rows.
type EmailRepository interface {
	// UpsertMessages inserts or updates rows keyed by (user_id, provider_id)
	// and fills in row IDs.
	UpsertMessages(ctx context.Context, rows []*domain.EmailRow) error
	ListByContact(ctx context.Context, userID, contactEmail string, offset, limit int) ([]*domain.EmailRow, int, error)
	// GetFingerprints maps provider id to the stored change fingerprint.
	GetFingerprints(ctx context.Context, userID, contactEmail string) (map[string]string, error)
	DeleteByContact(ctx context.Context, userID, contactEmail string) (int64, error)
	// RecentContacts returns contacts ordered by their newest message.
	RecentContacts(ctx context.Context, userID string, limit int) ([]string, error)
}

// AttachmentRepository owns the child rows of contact_emails.
type AttachmentRepository interface {
	// ReplaceForEmail deletes existing rows and inserts the given ones in one transaction.
	ReplaceForEmail(ctx context.Context, emailID int64, rows []domain.AttachmentRow) error
	ListByEmails(ctx context.Context, emailIDs []int64) (map[int64][]domain.AttachmentRow, error)
}

type SyncLogRepository interface {
	Start(ctx context.Context, log *domain.SyncLog) error
	Complete(ctx context.Context, id string, result *domain.SyncResult) error
	Fail(ctx context.Context, id string, message string) error
	ListRecent(ctx context.Context, userID, contactEmail string, limit int) ([]*domain.SyncLog, error)
}

// OAuthRepository stores connected mailbox accounts.
type OAuthRepository interface {
	ListByUser(ctx context.Context, userID string) ([]*domain.OAuthAccount, error)
	GetByEmail(ctx context.Context, userID, email string) (*domain.OAuthAccount, error)
	UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt int64) error
	MarkDisconnected(ctx context.Context, id int64, reason string) error
}

// EmailBodyRepository stores full message bodies.
type EmailBodyRepository interface {
	SaveBodies(ctx context.Context, bodies []*domain.EmailBody) error
	GetBody(ctx context.Context, userID, providerID string) (*domain.EmailBody, error)
	DeleteByUser(ctx context.Context, userID string) error
}
