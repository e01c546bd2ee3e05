package persistence

import (
	"context"
	"database/sql"
	"time"

	"crm_server/core/domain"
	"crm_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// SyncLogAdapter implements out.SyncLogRepository on contact_sync_logs.
type SyncLogAdapter struct {
	db *sqlx.DB
}

func NewSyncLogAdapter(db *sqlx.DB) *SyncLogAdapter {
	return &SyncLogAdapter{db: db}
}

type syncLogRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	AccountEmail string         `db:"account_email"`
	ContactEmail string         `db:"contact_email"`
	Status       string         `db:"status"`
	Fetched      int            `db:"fetched"`
	Created      int            `db:"created"`
	Updated      int            `db:"updated"`
	Skipped      int            `db:"skipped"`
	ErrorMessage sql.NullString `db:"error_message"`
	StartedAt    time.Time      `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
}

func (r *syncLogRow) toDomain() *domain.SyncLog {
	log := &domain.SyncLog{
		ID:           r.ID,
		UserID:       r.UserID,
		AccountEmail: r.AccountEmail,
		ContactEmail: r.ContactEmail,
		Status:       domain.SyncLogStatus(r.Status),
		Fetched:      r.Fetched,
		Created:      r.Created,
		Updated:      r.Updated,
		Skipped:      r.Skipped,
		ErrorMessage: r.ErrorMessage.String,
		StartedAt:    r.StartedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		log.FinishedAt = &t
	}
	return log
}

func (a *SyncLogAdapter) Start(ctx context.Context, log *domain.SyncLog) error {
	query := `
		INSERT INTO contact_sync_logs (id, user_id, account_email, contact_email, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := a.db.ExecContext(ctx, query,
		log.ID, log.UserID, log.AccountEmail, log.ContactEmail, string(domain.SyncLogStarted), log.StartedAt)
	return err
}

func (a *SyncLogAdapter) Complete(ctx context.Context, id string, result *domain.SyncResult) error {
	query := `
		UPDATE contact_sync_logs
		SET status = $1, fetched = $2, created = $3, updated = $4, skipped = $5, finished_at = NOW()
		WHERE id = $6`

	_, err := a.db.ExecContext(ctx, query,
		string(domain.SyncLogCompleted), result.Fetched, result.Created, result.Updated, result.Skipped, id)
	return err
}

func (a *SyncLogAdapter) Fail(ctx context.Context, id string, message string) error {
	query := `
		UPDATE contact_sync_logs
		SET status = $1, error_message = $2, finished_at = NOW()
		WHERE id = $3`

	_, err := a.db.ExecContext(ctx, query, string(domain.SyncLogFailed), message, id)
	return err
}

// ListRecent returns the newest logs first. An empty contactEmail lists all contacts.
func (a *SyncLogAdapter) ListRecent(ctx context.Context, userID, contactEmail string, limit int) ([]*domain.SyncLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var rows []syncLogRow
	query := `
		SELECT id, user_id, account_email, contact_email, status, fetched, created, updated, skipped,
		       error_message, started_at, finished_at
		FROM contact_sync_logs
		WHERE user_id = $1 AND ($2 = '' OR contact_email = $2)
		ORDER BY started_at DESC
		LIMIT $3`

	if err := a.db.SelectContext(ctx, &rows, query, userID, contactEmail, limit); err != nil {
		return nil, err
	}

	logs := make([]*domain.SyncLog, 0, len(rows))
	for i := range rows {
		logs = append(logs, rows[i].toDomain())
	}
	return logs, nil
}

var _ out.SyncLogRepository = (*SyncLogAdapter)(nil)
