package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Message - contact timeline의 단위
// =============================================================================

type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCC  RecipientKind = "cc"
	RecipientBCC RecipientKind = "bcc"
)

// Address is a display name + mailbox pair.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type Recipient struct {
	Kind  RecipientKind `json:"kind"`
	Name  string        `json:"name,omitempty"`
	Email string        `json:"email"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"is_inline"`
	ContentID   string `json:"content_id,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// Message is the in-memory representation served to timeline consumers.
// ID is the provider-assigned id and never changes across refetches.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`   // RFC 5322 Message-ID
	ClientToken string       `json:"client_token,omitempty"` // idempotency token set by the sender
	Subject     string       `json:"subject"`
	Snippet     string       `json:"snippet"`
	TextBody    string       `json:"text_body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	From        Address      `json:"from"`
	Recipients  []Recipient  `json:"recipients"`
	Timestamp   time.Time    `json:"timestamp"`
	IsRead      bool         `json:"is_read"`
	IsImportant bool         `json:"is_important"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments"`
}

// To returns the addresses of the "to" recipients in order.
func (m *Message) To() []string {
	var out []string
	for _, r := range m.Recipients {
		if r.Kind == RecipientTo {
			out = append(out, strings.ToLower(r.Email))
		}
	}
	return out
}

// Involves reports whether addr is the sender or any recipient.
func (m *Message) Involves(addr string) bool {
	if strings.EqualFold(m.From.Email, addr) {
		return true
	}
	for _, r := range m.Recipients {
		if strings.EqualFold(r.Email, addr) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	m.Recipients = append([]Recipient(nil), m.Recipients...)
	m.Labels = append([]string(nil), m.Labels...)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	return m
}

// =============================================================================
// Persisted rows
// =============================================================================

// EmailRow mirrors the contact_emails table. Recipient and label columns
// hold JSON text and may contain anything a past writer left there.
type EmailRow struct {
	ID           int64
	UserID       string
	AccountEmail string
	ContactEmail string
	ProviderID   string
	ThreadID     string
	MessageID    string
	ClientToken  string
	Subject      string
	Snippet      string
	FromName     string
	FromEmail    string
	ToJSON       string
	CcJSON       string
	BccJSON      string
	LabelsJSON   string
	SentAt       time.Time
	IsRead       bool
	IsImportant  bool
	HasBody      bool
	Fingerprint  string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Attachments []AttachmentRow
}

type AttachmentRow struct {
	ID          int64
	EmailID     int64
	ExternalID  string
	Filename    string
	MimeType    string
	Size        int64
	IsInline    bool
	ContentID   string
	StoragePath string
}

// EmailBody holds full content stored outside the relational row.
type EmailBody struct {
	UserID     string    `json:"user_id" bson:"user_id"`
	ProviderID string    `json:"provider_id" bson:"provider_id"`
	Text       string    `json:"text,omitempty" bson:"text,omitempty"`
	HTML       string    `json:"html,omitempty" bson:"html,omitempty"`
	CachedAt   time.Time `json:"cached_at" bson:"cached_at"`
}

// =============================================================================
// Pagination
// =============================================================================

// EmailPage is one page of a contact timeline.
type EmailPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Total    int       `json:"total"`
}

type Pagination struct {
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// NormalizeAddress lowercases and trims an email address used as a cache key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
