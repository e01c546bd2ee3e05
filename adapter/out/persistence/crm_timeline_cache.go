package persistence

import (
	"context"
	"fmt"
	"time"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/pkg/logger"
)

// jsonCache is the part of cache.RedisCache the timeline decorator needs.
type jsonCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// CachedTimeline wraps a TimelineLoader with a Redis cache for first pages.
// Later pages always hit the delegate.
type CachedTimeline struct {
	delegate out.TimelineLoader
	cache    jsonCache
	ttl      time.Duration
}

func NewCachedTimeline(delegate out.TimelineLoader, c jsonCache, ttl time.Duration) *CachedTimeline {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &CachedTimeline{delegate: delegate, cache: c, ttl: ttl}
}

func timelinePrefix(userID, contactEmail string) string {
	return fmt.Sprintf("timeline:%s:%s:", userID, contactEmail)
}

func timelineKey(userID, contactEmail string, limit int) string {
	return fmt.Sprintf("%s%d", timelinePrefix(userID, contactEmail), limit)
}

func (c *CachedTimeline) LoadPage(ctx context.Context, userID, contactEmail string, offset, limit int) (*domain.EmailPage, error) {
	contactEmail = domain.NormalizeAddress(contactEmail)
	if offset != 0 {
		return c.delegate.LoadPage(ctx, userID, contactEmail, offset, limit)
	}

	key := timelineKey(userID, contactEmail, limit)
	var page domain.EmailPage
	found, err := c.cache.GetJSON(ctx, key, &page)
	if err != nil {
		logger.WithError(err).Debug("[CachedTimeline.LoadPage] cache read failed for %s", key)
	}
	if err == nil && found {
		if page.Messages == nil {
			page.Messages = []domain.Message{}
		}
		return &page, nil
	}

	result, err := c.delegate.LoadPage(ctx, userID, contactEmail, offset, limit)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, result, c.ttl); err != nil {
		logger.WithError(err).Debug("[CachedTimeline.LoadPage] cache write failed for %s", key)
	}
	return result, nil
}

// Invalidate drops every cached first page of the contact.
func (c *CachedTimeline) Invalidate(ctx context.Context, userID, contactEmail string) error {
	_, err := c.cache.DeletePrefix(ctx, timelinePrefix(userID, domain.NormalizeAddress(contactEmail)))
	return err
}

// InvalidateUser drops every cached page of the user.
func (c *CachedTimeline) InvalidateUser(ctx context.Context, userID string) error {
	_, err := c.cache.DeletePrefix(ctx, fmt.Sprintf("timeline:%s:", userID))
	return err
}

var (
	_ out.TimelineLoader      = (*CachedTimeline)(nil)
	_ out.TimelineInvalidator = (*CachedTimeline)(nil)
)
