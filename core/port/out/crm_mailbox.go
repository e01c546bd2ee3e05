package out

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mailbox Client
// =============================================================================

// MailboxClient lists the messages exchanged with one contact.
type MailboxClient interface {
	ListContactMessages(ctx context.Context, token *oauth2.Token, contactEmail string, opts *ListOptions) (*ListResult, error)
}

type ListOptions struct {
	MaxResults  int
	FullHistory bool // bypass the result cap and follow all pages
	PageToken   string
}

type ListResult struct {
	Messages       []*MailboxMessage
	HasMore        bool
	ResultEstimate int
	NextPageToken  string
}

// MailboxMessage is a normalized provider message.
type MailboxMessage struct {
	ExternalID       string
	ExternalThreadID string
	MessageID        string
	ClientToken      string
	Subject          string
	Snippet          string
	TextBody         string
	HTMLBody         string
	From             MailboxAddress
	To               []MailboxAddress
	CC               []MailboxAddress
	BCC              []MailboxAddress
	Date             time.Time
	IsRead           bool
	IsImportant      bool
	Labels           []string
	Attachments      []MailboxAttachment
}

type MailboxAddress struct {
	Name  string
	Email string
}

type MailboxAttachment struct {
	ID        string
	Filename  string
	MimeType  string
	Size      int64
	ContentID string
	IsInline  bool
}

// =============================================================================
// Provider Errors
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuth      ProviderErrorCode = "auth_error"
	ProviderErrRateLimit ProviderErrorCode = "rate_limit"
	ProviderErrNotFound  ProviderErrorCode = "not_found"
	ProviderErrNetwork   ProviderErrorCode = "network_error"
	ProviderErrServer    ProviderErrorCode = "server_error"
	ProviderErrOpen      ProviderErrorCode = "circuit_open"
)

type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// =============================================================================
// Token
// =============================================================================

// TokenProvider resolves bearer tokens for connected accounts.
type TokenProvider interface {
	// GetValidToken refreshes when near expiry. A nil token with a nil
	// error means the account cannot be used right now and must be skipped.
	GetValidToken(ctx context.Context, userID, accountEmail string) (*oauth2.Token, error)

	// Accounts lists the connected mailbox addresses of a user.
	Accounts(ctx context.Context, userID string) ([]string, error)
}
