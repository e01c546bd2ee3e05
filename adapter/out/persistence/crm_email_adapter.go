// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crm_server/core/domain"
	"crm_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Contact Email Adapter (PostgreSQL)
// =============================================================================

// EmailAdapter implements out.EmailRepository on the contact_emails table.
type EmailAdapter struct {
	db *sqlx.DB
}

func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

const emailSelectColumns = `
	e.id, e.user_id, e.account_email, e.contact_email, e.provider_id,
	e.thread_id, e.message_id, e.client_token, e.subject, e.snippet,
	e.from_name, e.from_email, e.to_recipients, e.cc_recipients, e.bcc_recipients,
	e.labels, e.sent_at, e.is_read, e.is_important, e.has_body, e.fingerprint,
	e.created_at, e.updated_at`

// contactMatch selects rows where $2 is the sender, a recipient or the
// contact the row was synced for. Recipient columns are matched as text so
// a malformed JSON value cannot fail the query.
const contactMatch = `(
	e.contact_email = $2
	OR e.from_email = $2
	OR position('"' || $2 || '"' in lower(e.to_recipients)) > 0
	OR position('"' || $2 || '"' in lower(e.cc_recipients)) > 0
	OR position('"' || $2 || '"' in lower(e.bcc_recipients)) > 0
)`

type emailRow struct {
	ID            int64          `db:"id"`
	UserID        string         `db:"user_id"`
	AccountEmail  string         `db:"account_email"`
	ContactEmail  string         `db:"contact_email"`
	ProviderID    string         `db:"provider_id"`
	ThreadID      sql.NullString `db:"thread_id"`
	MessageID     sql.NullString `db:"message_id"`
	ClientToken   sql.NullString `db:"client_token"`
	Subject       string         `db:"subject"`
	Snippet       sql.NullString `db:"snippet"`
	FromName      sql.NullString `db:"from_name"`
	FromEmail     string         `db:"from_email"`
	ToRecipients  sql.NullString `db:"to_recipients"`
	CcRecipients  sql.NullString `db:"cc_recipients"`
	BccRecipients sql.NullString `db:"bcc_recipients"`
	Labels        sql.NullString `db:"labels"`
	SentAt        time.Time      `db:"sent_at"`
	IsRead        bool           `db:"is_read"`
	IsImportant   bool           `db:"is_important"`
	HasBody       bool           `db:"has_body"`
	Fingerprint   string         `db:"fingerprint"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// emailRowWithCount carries the COUNT(*) OVER() total.
type emailRowWithCount struct {
	emailRow
	TotalCount int `db:"total_count"`
}

func (r *emailRow) toDomain() *domain.EmailRow {
	return &domain.EmailRow{
		ID:           r.ID,
		UserID:       r.UserID,
		AccountEmail: r.AccountEmail,
		ContactEmail: r.ContactEmail,
		ProviderID:   r.ProviderID,
		ThreadID:     r.ThreadID.String,
		MessageID:    r.MessageID.String,
		ClientToken:  r.ClientToken.String,
		Subject:      r.Subject,
		Snippet:      r.Snippet.String,
		FromName:     r.FromName.String,
		FromEmail:    r.FromEmail,
		ToJSON:       r.ToRecipients.String,
		CcJSON:       r.CcRecipients.String,
		BccJSON:      r.BccRecipients.String,
		LabelsJSON:   r.Labels.String,
		SentAt:       r.SentAt,
		IsRead:       r.IsRead,
		IsImportant:  r.IsImportant,
		HasBody:      r.HasBody,
		Fingerprint:  r.Fingerprint,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// =============================================================================
// Write Operations
// =============================================================================

// UpsertMessages writes rows in one transaction keyed by (user_id, provider_id)
// and fills ID, CreatedAt and UpdatedAt.
func (a *EmailAdapter) UpsertMessages(ctx context.Context, rows []*domain.EmailRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO contact_emails (
			user_id, account_email, contact_email, provider_id,
			thread_id, message_id, client_token, subject, snippet,
			from_name, from_email, to_recipients, cc_recipients, bcc_recipients,
			labels, sent_at, is_read, is_important, has_body, fingerprint
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		ON CONFLICT (user_id, provider_id) DO UPDATE SET
			account_email = EXCLUDED.account_email,
			contact_email = EXCLUDED.contact_email,
			thread_id = EXCLUDED.thread_id,
			client_token = COALESCE(EXCLUDED.client_token, contact_emails.client_token),
			subject = EXCLUDED.subject,
			snippet = EXCLUDED.snippet,
			to_recipients = EXCLUDED.to_recipients,
			cc_recipients = EXCLUDED.cc_recipients,
			bcc_recipients = EXCLUDED.bcc_recipients,
			labels = EXCLUDED.labels,
			is_read = EXCLUDED.is_read,
			is_important = EXCLUDED.is_important,
			has_body = contact_emails.has_body OR EXCLUDED.has_body,
			fingerprint = EXCLUDED.fingerprint,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	for _, row := range rows {
		err := tx.QueryRowxContext(ctx, query,
			row.UserID, row.AccountEmail, row.ContactEmail, row.ProviderID,
			nullStr(row.ThreadID), nullStr(row.MessageID), nullStr(row.ClientToken), row.Subject, nullStr(row.Snippet),
			nullStr(row.FromName), row.FromEmail, jsonText(row.ToJSON), jsonText(row.CcJSON), jsonText(row.BccJSON),
			jsonText(row.LabelsJSON), row.SentAt, row.IsRead, row.IsImportant, row.HasBody, row.Fingerprint,
		).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", row.ProviderID, err)
		}
	}

	return tx.Commit()
}

// DeleteByContact removes the rows synced for contactEmail. Attachments go
// with them through the foreign key.
func (a *EmailAdapter) DeleteByContact(ctx context.Context, userID, contactEmail string) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM contact_emails WHERE user_id = $1 AND contact_email = $2`,
		userID, contactEmail)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// Query Operations
// =============================================================================

// ListByContact returns one page newest first and the total match count.
func (a *EmailAdapter) ListByContact(ctx context.Context, userID, contactEmail string, offset, limit int) ([]*domain.EmailRow, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s,
			COUNT(*) OVER() as total_count
		FROM contact_emails e
		WHERE e.user_id = $1 AND %s
		ORDER BY e.sent_at DESC, e.id DESC
		LIMIT $3 OFFSET $4`, emailSelectColumns, contactMatch)

	rows, err := a.db.QueryxContext(ctx, query, userID, contactEmail, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		result []*domain.EmailRow
		total  int
	)
	for rows.Next() {
		var row emailRowWithCount
		if err := rows.StructScan(&row); err != nil {
			return nil, 0, err
		}
		result = append(result, row.toDomain())
		total = row.TotalCount
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}

	// An offset past the end yields no rows and so no window total.
	if len(result) == 0 && offset > 0 {
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM contact_emails e WHERE e.user_id = $1 AND %s`, contactMatch)
		if err := a.db.GetContext(ctx, &total, countQuery, userID, contactEmail); err != nil {
			return nil, 0, err
		}
	}

	return result, total, nil
}

func (a *EmailAdapter) GetFingerprints(ctx context.Context, userID, contactEmail string) (map[string]string, error) {
	query := fmt.Sprintf(`
		SELECT e.provider_id, e.fingerprint
		FROM contact_emails e
		WHERE e.user_id = $1 AND %s`, contactMatch)

	rows, err := a.db.QueryxContext(ctx, query, userID, contactEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var providerID, fingerprint string
		if err := rows.Scan(&providerID, &fingerprint); err != nil {
			return nil, err
		}
		result[providerID] = fingerprint
	}
	return result, rows.Err()
}

// RecentContacts orders contacts by their newest message.
func (a *EmailAdapter) RecentContacts(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var contacts []string
	query := `
		SELECT contact_email
		FROM contact_emails
		WHERE user_id = $1
		GROUP BY contact_email
		ORDER BY MAX(sent_at) DESC
		LIMIT $2`
	if err := a.db.SelectContext(ctx, &contacts, query, userID, limit); err != nil {
		return nil, err
	}
	return contacts, nil
}

var _ out.EmailRepository = (*EmailAdapter)(nil)
