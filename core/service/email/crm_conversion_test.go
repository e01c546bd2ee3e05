package mail

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

func TestToMessage(t *testing.T) {
	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := &domain.EmailRow{
		ProviderID: "p1",
		ThreadID:   "t1",
		MessageID:  "<abc@mail.example>",
		Subject:    "Hello",
		Snippet:    "hi there",
		FromName:   "Me",
		FromEmail:  "me@x.com",
		ToJSON:     `[{"name":"A","email":"a@x.com"}]`,
		CcJSON:     `["c@x.com"]`,
		LabelsJSON: `["INBOX","IMPORTANT"]`,
		SentAt:     sent,
		IsRead:     true,
		Attachments: []domain.AttachmentRow{
			{ExternalID: "att1", Filename: "a.pdf", MimeType: "application/pdf", Size: 10, StoragePath: "/files/a.pdf"},
		},
	}

	got := ToMessage(row)
	want := domain.Message{
		ID:        "p1",
		ThreadID:  "t1",
		MessageID: "<abc@mail.example>",
		Subject:   "Hello",
		Snippet:   "hi there",
		From:      domain.Address{Name: "Me", Email: "me@x.com"},
		Recipients: []domain.Recipient{
			{Kind: domain.RecipientTo, Name: "A", Email: "a@x.com"},
			{Kind: domain.RecipientCC, Email: "c@x.com"},
		},
		Timestamp: sent,
		IsRead:    true,
		Labels:    []string{"INBOX", "IMPORTANT"},
		Attachments: []domain.Attachment{
			{ID: "att1", Filename: "a.pdf", MimeType: "application/pdf", Size: 10, StoragePath: "/files/a.pdf"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToMessage() mismatch (-want +got):\n%s", diff)
	}
}

func TestToMessageMalformedJSON(t *testing.T) {
	tests := []struct {
		name string
		row  *domain.EmailRow
	}{
		{"garbage recipients", &domain.EmailRow{ProviderID: "p", ToJSON: "{not json", LabelsJSON: "[1,2"}},
		{"wrong types", &domain.EmailRow{ProviderID: "p", ToJSON: `{"email":"a@x.com"}`, LabelsJSON: `{"a":1}`}},
		{"empty columns", &domain.EmailRow{ProviderID: "p"}},
		{"null labels", &domain.EmailRow{ProviderID: "p", LabelsJSON: "null", BccJSON: "null"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMessage(tt.row)
			if got.ID != "p" {
				t.Errorf("ID = %q", got.ID)
			}
			if got.Recipients == nil || len(got.Recipients) != 0 {
				t.Errorf("Recipients = %#v, want empty list", got.Recipients)
			}
			if got.Labels == nil || len(got.Labels) != 0 {
				t.Errorf("Labels = %#v, want empty list", got.Labels)
			}
		})
	}
}

func TestToMessageNilRow(t *testing.T) {
	if got := ToMessage(nil); got.ID != "" {
		t.Errorf("ToMessage(nil) = %+v", got)
	}
}

func TestToRowRoundTripsThroughToMessage(t *testing.T) {
	m := &out.MailboxMessage{
		ExternalID:       "p9",
		ExternalThreadID: "t9",
		MessageID:        "<x@y>",
		ClientToken:      "tok-1",
		Subject:          "Quote",
		From:             out.MailboxAddress{Name: "Me", Email: "ME@x.com"},
		To:               []out.MailboxAddress{{Email: "a@x.com"}},
		BCC:              []out.MailboxAddress{{Email: "b@x.com"}},
		Date:             time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Labels:           []string{"SENT"},
		Attachments:      []out.MailboxAttachment{{ID: "a1", Filename: "q.pdf"}},
	}

	row := ToRow("u1", "me@x.com", "A@X.com", m)
	if row.ContactEmail != "a@x.com" {
		t.Errorf("ContactEmail = %q", row.ContactEmail)
	}
	if row.Fingerprint == "" {
		t.Error("expected fingerprint")
	}

	msg := ToMessage(row)
	if msg.ThreadID != "t9" || msg.MessageID != "<x@y>" || msg.ClientToken != "tok-1" {
		t.Errorf("threading fields lost: %+v", msg)
	}
	if msg.From.Email != "me@x.com" {
		t.Errorf("From = %+v", msg.From)
	}
	if diff := cmp.Diff([]string{"a@x.com"}, msg.To()); diff != "" {
		t.Errorf("To() mismatch (-want +got):\n%s", diff)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ID != "a1" {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
}

func TestFingerprint(t *testing.T) {
	base := &domain.EmailRow{Subject: "s", LabelsJSON: `["A","B"]`}
	reordered := &domain.EmailRow{Subject: "s", LabelsJSON: `["B","A"]`}
	read := &domain.EmailRow{Subject: "s", LabelsJSON: `["A","B"]`, IsRead: true}

	if Fingerprint(base) != Fingerprint(reordered) {
		t.Error("label order should not change fingerprint")
	}
	if Fingerprint(base) == Fingerprint(read) {
		t.Error("read flag should change fingerprint")
	}
}

func TestFingerprintTracksIdentifiers(t *testing.T) {
	tests := []struct {
		name   string
		change func(r *domain.EmailRow)
	}{
		{name: "client token recorded", change: func(r *domain.EmailRow) { r.ClientToken = "tok-1" }},
		{name: "message id recorded", change: func(r *domain.EmailRow) { r.MessageID = "<abc@mail.example.com>" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := &domain.EmailRow{Subject: "Quote", ThreadID: "t1", LabelsJSON: `["SENT"]`}
			fetched := *stored
			tt.change(&fetched)

			if Fingerprint(stored) == Fingerprint(&fetched) {
				t.Error("fingerprint unchanged, row would not be rewritten")
			}
		})
	}
}
