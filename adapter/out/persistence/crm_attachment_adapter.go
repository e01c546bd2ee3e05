package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"crm_server/core/domain"
	"crm_server/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// Attachment Adapter (PostgreSQL)
// =============================================================================

// AttachmentAdapter implements out.AttachmentRepository on contact_email_attachments.
type AttachmentAdapter struct {
	db *sqlx.DB
}

func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

type attachmentRow struct {
	ID          int64          `db:"id"`
	EmailID     int64          `db:"email_id"`
	ExternalID  string         `db:"external_id"`
	Filename    string         `db:"filename"`
	MimeType    string         `db:"mime_type"`
	Size        int64          `db:"size"`
	IsInline    bool           `db:"is_inline"`
	ContentID   sql.NullString `db:"content_id"`
	StoragePath sql.NullString `db:"storage_path"`
}

func (r *attachmentRow) toDomain() domain.AttachmentRow {
	return domain.AttachmentRow{
		ID:          r.ID,
		EmailID:     r.EmailID,
		ExternalID:  r.ExternalID,
		Filename:    r.Filename,
		MimeType:    r.MimeType,
		Size:        r.Size,
		IsInline:    r.IsInline,
		ContentID:   r.ContentID.String,
		StoragePath: r.StoragePath.String,
	}
}

// ReplaceForEmail swaps the attachment set of one email inside a transaction.
func (a *AttachmentAdapter) ReplaceForEmail(ctx context.Context, emailID int64, rows []domain.AttachmentRow) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_email_attachments WHERE email_id = $1`, emailID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}

	query := `
		INSERT INTO contact_email_attachments
			(email_id, external_id, filename, mime_type, size, is_inline, content_id, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, att := range rows {
		if _, err := tx.ExecContext(ctx, query,
			emailID,
			att.ExternalID,
			att.Filename,
			att.MimeType,
			att.Size,
			att.IsInline,
			nullStr(att.ContentID),
			nullStr(att.StoragePath),
		); err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", att.ExternalID, err)
		}
	}

	return tx.Commit()
}

// ListByEmails batch-loads attachments, grouped by email id.
func (a *AttachmentAdapter) ListByEmails(ctx context.Context, emailIDs []int64) (map[int64][]domain.AttachmentRow, error) {
	result := make(map[int64][]domain.AttachmentRow, len(emailIDs))
	if len(emailIDs) == 0 {
		return result, nil
	}

	var rows []attachmentRow
	query := `
		SELECT id, email_id, external_id, filename, mime_type, size, is_inline, content_id, storage_path
		FROM contact_email_attachments
		WHERE email_id = ANY($1)
		ORDER BY email_id, id`

	if err := a.db.SelectContext(ctx, &rows, query, pq.Array(emailIDs)); err != nil {
		return nil, err
	}

	for i := range rows {
		result[rows[i].EmailID] = append(result[rows[i].EmailID], rows[i].toDomain())
	}
	return result, nil
}

var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)
