package mongodb

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"crm_server/core/domain"
)

func TestBodyDocumentRoundTrip(t *testing.T) {
	cachedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name           string
		body           *domain.EmailBody
		wantCompressed bool
	}{
		{
			name:           "small body stored raw",
			body:           &domain.EmailBody{UserID: "u1", ProviderID: "p1", Text: "hi", HTML: "<p>hi</p>", CachedAt: cachedAt},
			wantCompressed: false,
		},
		{
			name:           "large body compressed",
			body:           &domain.EmailBody{UserID: "u1", ProviderID: "p2", Text: strings.Repeat("quarterly report ", 200), HTML: "", CachedAt: cachedAt},
			wantCompressed: true,
		},
	}

	a := &BodyAdapter{ttl: 24 * time.Hour}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := a.toDocument(tt.body)
			if err != nil {
				t.Fatal(err)
			}
			if doc.IsCompressed != tt.wantCompressed {
				t.Errorf("IsCompressed = %v, want %v", doc.IsCompressed, tt.wantCompressed)
			}
			if doc.ExpiresAt == nil || !doc.ExpiresAt.Equal(cachedAt.Add(24*time.Hour)) {
				t.Errorf("ExpiresAt = %v", doc.ExpiresAt)
			}

			got, err := fromDocument(doc)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.body, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBodyDocumentWithoutTTL(t *testing.T) {
	doc, err := (&BodyAdapter{}).toDocument(&domain.EmailBody{UserID: "u", ProviderID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", doc.ExpiresAt)
	}
	if doc.CachedAt.IsZero() {
		t.Error("CachedAt not defaulted")
	}
}
