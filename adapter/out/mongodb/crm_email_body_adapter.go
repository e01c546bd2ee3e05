package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

// =============================================================================
// MongoDB Email Body Adapter
// =============================================================================

const (
	collectionEmailBodies = "contact_email_bodies"

	// only compress content larger than this
	compressionThreshold = 1024
)

// BodyAdapter implements out.EmailBodyRepository.
type BodyAdapter struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewBodyAdapter keeps bodies for ttl; zero keeps them forever.
func NewBodyAdapter(db *mongo.Database, ttl time.Duration) *BodyAdapter {
	return &BodyAdapter{
		collection: db.Collection(collectionEmailBodies),
		ttl:        ttl,
	}
}

func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0), // TTL index
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type bodyDocument struct {
	UserID       string     `bson:"user_id"`
	ProviderID   string     `bson:"provider_id"`
	HTML         []byte     `bson:"html"`
	Text         []byte     `bson:"text"`
	IsCompressed bool       `bson:"is_compressed"`
	OriginalSize int64      `bson:"original_size"`
	CachedAt     time.Time  `bson:"cached_at"`
	ExpiresAt    *time.Time `bson:"expires_at,omitempty"`
}

// =============================================================================
// Operations
// =============================================================================

// SaveBodies upserts by (user_id, provider_id) in one unordered bulk write.
func (a *BodyAdapter) SaveBodies(ctx context.Context, bodies []*domain.EmailBody) error {
	if len(bodies) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(bodies))
	for _, body := range bodies {
		doc, err := a.toDocument(body)
		if err != nil {
			return fmt.Errorf("failed to encode body %s: %w", body.ProviderID, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"user_id": body.UserID, "provider_id": body.ProviderID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := a.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to save bodies: %w", err)
	}
	return nil
}

// GetBody returns nil, nil when no body is stored.
func (a *BodyAdapter) GetBody(ctx context.Context, userID, providerID string) (*domain.EmailBody, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"user_id": userID, "provider_id": providerID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get body: %w", err)
	}
	return fromDocument(&doc)
}

func (a *BodyAdapter) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := a.collection.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("failed to delete bodies: %w", err)
	}
	return nil
}

// =============================================================================
// Encoding
// =============================================================================

func (a *BodyAdapter) toDocument(body *domain.EmailBody) (*bodyDocument, error) {
	cachedAt := body.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}
	doc := &bodyDocument{
		UserID:       body.UserID,
		ProviderID:   body.ProviderID,
		OriginalSize: int64(len(body.HTML) + len(body.Text)),
		CachedAt:     cachedAt,
	}
	if a.ttl > 0 {
		exp := cachedAt.Add(a.ttl)
		doc.ExpiresAt = &exp
	}

	if doc.OriginalSize <= compressionThreshold {
		doc.HTML, doc.Text = []byte(body.HTML), []byte(body.Text)
		return doc, nil
	}

	var err error
	if doc.HTML, err = compress([]byte(body.HTML)); err != nil {
		return nil, err
	}
	if doc.Text, err = compress([]byte(body.Text)); err != nil {
		return nil, err
	}
	doc.IsCompressed = true
	return doc, nil
}

func fromDocument(doc *bodyDocument) (*domain.EmailBody, error) {
	html, text := doc.HTML, doc.Text
	if doc.IsCompressed {
		var err error
		if html, err = decompress(html); err != nil {
			return nil, fmt.Errorf("failed to decompress html: %w", err)
		}
		if text, err = decompress(text); err != nil {
			return nil, fmt.Errorf("failed to decompress text: %w", err)
		}
	}
	return &domain.EmailBody{
		UserID:     doc.UserID,
		ProviderID: doc.ProviderID,
		HTML:       string(html),
		Text:       string(text),
		CachedAt:   doc.CachedAt,
	}, nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

var _ out.EmailBodyRepository = (*BodyAdapter)(nil)
