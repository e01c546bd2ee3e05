// Package provider implements mailbox provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"crm_server/core/port/out"
	"crm_server/pkg/logger"
)

const (
	providerGmail = "gmail"

	// ClientTokenHeader carries the idempotency token stamped by the sender.
	ClientTokenHeader = "X-CRM-Client-Token"

	defaultMaxResults  = 100
	fullHistoryResults = 500 // Gmail's page maximum
	maxConcurrency     = 10
	perMessageTimeout  = 30 * time.Second
)

// =============================================================================
// Gmail Adapter
// =============================================================================

type GmailConfig struct {
	OAuth     *oauth2.Config
	RateLimit float64 // requests per second across all accounts
	RateBurst int
}

// GmailAdapter implements out.MailboxClient. Calls share one circuit
// breaker and one token bucket.
type GmailAdapter struct {
	oauth   *oauth2.Config
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	newService func(ctx context.Context, token *oauth2.Token) (*gmail.Service, error)
}

func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = 40
	}
	if burst <= 0 {
		burst = 20
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,                // Half-open 상태에서 허용할 요청 수
		Interval:    60 * time.Second, // Closed 상태에서 카운터 리셋 간격
		Timeout:     30 * time.Second, // Open 상태 유지 시간
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	a := &GmailAdapter{
		oauth:   cfg.OAuth,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
	a.newService = a.defaultService
	return a
}

func (a *GmailAdapter) defaultService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if a.oauth == nil {
		return gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	}
	return gmail.NewService(ctx, option.WithTokenSource(a.oauth.TokenSource(ctx, token)))
}

// ContactQuery matches every message the contact sent or received.
func ContactQuery(contactEmail string) string {
	c := strings.ToLower(strings.TrimSpace(contactEmail))
	return fmt.Sprintf("from:%s OR to:%s OR cc:%s OR bcc:%s", c, c, c, c)
}

// ListContactMessages lists one page of the contact's messages and fetches
// each in full. Messages that fail to load are dropped from the page unless
// all of them fail.
func (a *GmailAdapter) ListContactMessages(ctx context.Context, token *oauth2.Token, contactEmail string, opts *out.ListOptions) (*out.ListResult, error) {
	if opts == nil {
		opts = &out.ListOptions{}
	}
	svc, err := a.newService(ctx, token)
	if err != nil {
		return nil, a.wrapError(err, "failed to create gmail service")
	}

	maxResults := int64(defaultMaxResults)
	if opts.MaxResults > 0 {
		maxResults = int64(opts.MaxResults)
	}
	if opts.FullHistory {
		maxResults = fullHistoryResults
	}

	req := svc.Users.Messages.List("me").Q(ContactQuery(contactEmail)).MaxResults(maxResults)
	if opts.PageToken != "" {
		req = req.PageToken(opts.PageToken)
	}

	var resp *gmail.ListMessagesResponse
	err = a.execute(ctx, "messages.list", func() error {
		var callErr error
		resp, callErr = req.Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list messages")
	}

	messages, err := a.fetchMessages(ctx, svc, resp.Messages)
	if err != nil {
		return nil, err
	}

	return &out.ListResult{
		Messages:       messages,
		HasMore:        resp.NextPageToken != "",
		ResultEstimate: int(resp.ResultSizeEstimate),
		NextPageToken:  resp.NextPageToken,
	}, nil
}

// fetchMessages loads full messages with bounded concurrency, preserving order.
func (a *GmailAdapter) fetchMessages(ctx context.Context, svc *gmail.Service, refs []*gmail.Message) ([]*out.MailboxMessage, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	results := make([]*out.MailboxMessage, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			msgCtx, cancel := context.WithTimeout(gctx, perMessageTimeout)
			defer cancel()

			var full *gmail.Message
			err := a.execute(msgCtx, "messages.get", func() error {
				var callErr error
				full, callErr = svc.Users.Messages.Get("me", ref.Id).Format("full").Context(msgCtx).Do()
				return callErr
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = convertMessage(full)
			return nil
		})
	}
	_ = g.Wait()

	messages := make([]*out.MailboxMessage, 0, len(refs))
	var firstErr error
	failed := 0
	for i, m := range results {
		if m != nil {
			messages = append(messages, m)
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = errs[i]
		}
	}

	if failed > 0 {
		if len(messages) == 0 {
			return nil, a.wrapError(firstErr, "failed to get messages")
		}
		logger.Warn("[GmailAdapter.fetchMessages] %d/%d messages failed to load: %v", failed, len(refs), firstErr)
	}
	return messages, nil
}

// execute waits for the rate limiter and runs fn through the circuit breaker.
// Client errors do not count against the breaker.
func (a *GmailAdapter) execute(ctx context.Context, operation string, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		logger.Debug("[GmailAdapter] %s failed: state=%s, err=%v", operation, a.cb.State().String(), err)
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (a *GmailAdapter) IsCircuitOpen() bool {
	return a.cb.State() == gobreaker.StateOpen
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *out.MailboxMessage {
	result := &out.MailboxMessage{
		ExternalID:       msg.Id,
		ExternalThreadID: msg.ThreadId,
		Snippet:          html.UnescapeString(msg.Snippet),
		Labels:           msg.LabelIds,
		IsRead:           !contains(msg.LabelIds, "UNREAD"),
		IsImportant:      contains(msg.LabelIds, "IMPORTANT"),
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch {
			case strings.EqualFold(h.Name, "Subject"):
				result.Subject = h.Value
			case strings.EqualFold(h.Name, "From"):
				result.From = parseAddress(h.Value)
			case strings.EqualFold(h.Name, "To"):
				result.To = parseAddresses(h.Value)
			case strings.EqualFold(h.Name, "Cc"):
				result.CC = parseAddresses(h.Value)
			case strings.EqualFold(h.Name, "Bcc"):
				result.BCC = parseAddresses(h.Value)
			case strings.EqualFold(h.Name, "Date"):
				if t, err := mail.ParseDate(h.Value); err == nil {
					result.Date = t
				}
			case strings.EqualFold(h.Name, "Message-ID"):
				result.MessageID = h.Value
			case strings.EqualFold(h.Name, ClientTokenHeader):
				result.ClientToken = strings.TrimSpace(h.Value)
			}
		}
		extractBody(msg.Payload, result)
		result.Attachments = extractAttachments(msg.Payload)
	}

	// Gmail's internal date is authoritative when the header is missing or bogus.
	if result.Date.IsZero() && msg.InternalDate > 0 {
		result.Date = time.UnixMilli(msg.InternalDate)
	}
	result.Date = result.Date.UTC()

	return result
}

func extractBody(part *gmail.MessagePart, msg *out.MailboxMessage) {
	if part == nil {
		return
	}
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBase64(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/plain":
				if msg.TextBody == "" {
					msg.TextBody = string(data)
				}
			case "text/html":
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(data)
				}
			}
		}
	}
	for _, p := range part.Parts {
		extractBody(p, msg)
	}
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func extractAttachments(part *gmail.MessagePart) []out.MailboxAttachment {
	var attachments []out.MailboxAttachment

	if part.Filename != "" {
		att := out.MailboxAttachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.ID = part.Body.AttachmentId
			att.Size = part.Body.Size
		}
		if att.ID == "" {
			att.ID = part.PartId
		}

		for _, header := range part.Headers {
			switch {
			case strings.EqualFold(header.Name, "Content-ID"):
				att.ContentID = strings.Trim(header.Value, "<>")
				att.IsInline = true
			case strings.EqualFold(header.Name, "Content-Disposition") && strings.HasPrefix(strings.ToLower(header.Value), "inline"):
				att.IsInline = true
			}
		}
		attachments = append(attachments, att)
	}

	for _, p := range part.Parts {
		attachments = append(attachments, extractAttachments(p)...)
	}
	return attachments
}

func parseAddress(s string) out.MailboxAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return out.MailboxAddress{Email: strings.TrimSpace(s)}
	}
	return out.MailboxAddress{Name: addr.Name, Email: addr.Address}
}

func parseAddresses(s string) []out.MailboxAddress {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		var result []out.MailboxAddress
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, parseAddress(part))
			}
		}
		return result
	}

	result := make([]out.MailboxAddress, len(list))
	for i, addr := range list {
		result[i] = out.MailboxAddress{Name: addr.Name, Email: addr.Address}
	}
	return result
}

// =============================================================================
// Errors
// =============================================================================

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerGmail, out.ProviderErrOpen, "Gmail temporarily unavailable", err, true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return out.NewProviderError(providerGmail, out.ProviderErrNetwork, defaultMsg, err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(providerGmail, out.ProviderErrAuth, "Token expired", err, false)
		case 403:
			if strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
				return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerGmail, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerGmail, out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503, 504:
			return out.NewProviderError(providerGmail, out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError(providerGmail, out.ProviderErrServer, defaultMsg, err, true)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

var _ out.MailboxClient = (*GmailAdapter)(nil)
