package mail

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

// =============================================================================
// Row -> Message
// =============================================================================

type jsonAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// ToMessage converts a persisted row. It never fails: malformed JSON in
// recipient or label columns yields empty lists.
func ToMessage(row *domain.EmailRow) domain.Message {
	if row == nil {
		return domain.Message{}
	}

	msg := domain.Message{
		ID:          row.ProviderID,
		ThreadID:    row.ThreadID,
		MessageID:   row.MessageID,
		ClientToken: row.ClientToken,
		Subject:     row.Subject,
		Snippet:     row.Snippet,
		From:        domain.Address{Name: row.FromName, Email: row.FromEmail},
		Timestamp:   row.SentAt,
		IsRead:      row.IsRead,
		IsImportant: row.IsImportant,
		Recipients:  []domain.Recipient{},
		Labels:      decodeLabels(row.LabelsJSON),
		Attachments: make([]domain.Attachment, 0, len(row.Attachments)),
	}

	msg.Recipients = appendRecipients(msg.Recipients, domain.RecipientTo, row.ToJSON)
	msg.Recipients = appendRecipients(msg.Recipients, domain.RecipientCC, row.CcJSON)
	msg.Recipients = appendRecipients(msg.Recipients, domain.RecipientBCC, row.BccJSON)

	for _, a := range row.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			ID:          a.ExternalID,
			Filename:    a.Filename,
			MimeType:    a.MimeType,
			Size:        a.Size,
			IsInline:    a.IsInline,
			ContentID:   a.ContentID,
			StoragePath: a.StoragePath,
		})
	}

	return msg
}

func appendRecipients(dst []domain.Recipient, kind domain.RecipientKind, raw string) []domain.Recipient {
	for _, a := range decodeAddresses(raw) {
		dst = append(dst, domain.Recipient{Kind: kind, Name: a.Name, Email: a.Email})
	}
	return dst
}

func decodeAddresses(raw string) []jsonAddress {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var addrs []jsonAddress
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		// 예전 writer는 주소 문자열 배열로 저장했음
		var plain []string
		if err := json.Unmarshal([]byte(raw), &plain); err != nil {
			return nil
		}
		addrs = nil
		for _, p := range plain {
			addrs = append(addrs, jsonAddress{Email: p})
		}
	}
	valid := addrs[:0]
	for _, a := range addrs {
		if a.Email != "" {
			valid = append(valid, a)
		}
	}
	return valid
}

func decodeLabels(raw string) []string {
	labels := []string{}
	if strings.TrimSpace(raw) == "" {
		return labels
	}
	if err := json.Unmarshal([]byte(raw), &labels); err != nil || labels == nil {
		return []string{}
	}
	return labels
}

// =============================================================================
// Mailbox message -> Row
// =============================================================================

// ToRow builds the persisted row for a mailbox message seen in contactEmail's history.
func ToRow(userID, accountEmail, contactEmail string, m *out.MailboxMessage) *domain.EmailRow {
	row := &domain.EmailRow{
		UserID:       userID,
		AccountEmail: accountEmail,
		ContactEmail: domain.NormalizeAddress(contactEmail),
		ProviderID:   m.ExternalID,
		ThreadID:     m.ExternalThreadID,
		MessageID:    m.MessageID,
		ClientToken:  m.ClientToken,
		Subject:      m.Subject,
		Snippet:      m.Snippet,
		FromName:     m.From.Name,
		FromEmail:    strings.ToLower(m.From.Email),
		ToJSON:       encodeAddresses(m.To),
		CcJSON:       encodeAddresses(m.CC),
		BccJSON:      encodeAddresses(m.BCC),
		LabelsJSON:   encodeLabels(m.Labels),
		SentAt:       m.Date.UTC(),
		IsRead:       m.IsRead,
		IsImportant:  m.IsImportant,
		HasBody:      m.TextBody != "" || m.HTMLBody != "",
	}
	for _, a := range m.Attachments {
		row.Attachments = append(row.Attachments, domain.AttachmentRow{
			ExternalID: a.ID,
			Filename:   a.Filename,
			MimeType:   a.MimeType,
			Size:       a.Size,
			IsInline:   a.IsInline,
			ContentID:  a.ContentID,
		})
	}
	row.Fingerprint = Fingerprint(row)
	return row
}

func encodeAddresses(addrs []out.MailboxAddress) string {
	list := make([]jsonAddress, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, jsonAddress{Name: a.Name, Email: strings.ToLower(a.Email)})
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func encodeLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Fingerprint hashes the mutable parts of a row. Two rows with the same
// provider id and fingerprint need no write.
func Fingerprint(row *domain.EmailRow) string {
	labels := decodeLabels(row.LabelsJSON)
	sort.Strings(labels)

	attIDs := make([]string, 0, len(row.Attachments))
	for _, a := range row.Attachments {
		attIDs = append(attIDs, a.ExternalID+":"+a.Filename)
	}
	sort.Strings(attIDs)

	h := sha256.New()
	for _, part := range []string{
		row.Subject,
		row.Snippet,
		row.ThreadID,
		row.MessageID,
		row.ClientToken,
		strconv.FormatBool(row.IsRead),
		strconv.FormatBool(row.IsImportant),
		strings.Join(labels, ","),
		strings.Join(attIDs, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// BodiesFrom extracts body documents for messages that carry content.
func BodiesFrom(userID string, msgs []*out.MailboxMessage) []*domain.EmailBody {
	var bodies []*domain.EmailBody
	for _, m := range msgs {
		if m.TextBody == "" && m.HTMLBody == "" {
			continue
		}
		bodies = append(bodies, &domain.EmailBody{
			UserID:     userID,
			ProviderID: m.ExternalID,
			Text:       m.TextBody,
			HTML:       m.HTMLBody,
		})
	}
	return bodies
}
