package persistence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"crm_server/core/domain"
)

type memoryCache struct {
	mu    sync.Mutex
	items map[string][]byte
	fail  bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string][]byte)}
}

func (m *memoryCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errors.New("connection refused")
	}
	data, ok := m.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (m *memoryCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.items[key] = data
	return nil
}

func (m *memoryCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

type countingLoader struct {
	calls []int
	page  *domain.EmailPage
}

func (l *countingLoader) LoadPage(ctx context.Context, userID, contact string, offset, limit int) (*domain.EmailPage, error) {
	l.calls = append(l.calls, offset)
	return l.page, nil
}

func TestCachedTimelineCachesFirstPageOnly(t *testing.T) {
	loader := &countingLoader{page: &domain.EmailPage{
		Messages: []domain.Message{{ID: "m1", Subject: "hello", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
		HasMore:  true,
		Total:    7,
	}}
	c := NewCachedTimeline(loader, newMemoryCache(), time.Minute)
	ctx := context.Background()

	first, err := c.LoadPage(ctx, "u1", "A@x.com", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.LoadPage(ctx, "u1", "a@x.com", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached page mismatch (-first +second):\n%s", diff)
	}

	if _, err := c.LoadPage(ctx, "u1", "a@x.com", 100, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadPage(ctx, "u1", "a@x.com", 100, 100); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{0, 100, 100}, loader.calls); diff != "" {
		t.Errorf("delegate calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCachedTimelineInvalidate(t *testing.T) {
	loader := &countingLoader{page: &domain.EmailPage{Messages: []domain.Message{}}}
	mc := newMemoryCache()
	c := NewCachedTimeline(loader, mc, time.Minute)
	ctx := context.Background()

	_, _ = c.LoadPage(ctx, "u1", "a@x.com", 0, 100)
	_, _ = c.LoadPage(ctx, "u1", "b@x.com", 0, 100)

	if err := c.Invalidate(ctx, "u1", "A@X.com"); err != nil {
		t.Fatal(err)
	}
	_, _ = c.LoadPage(ctx, "u1", "a@x.com", 0, 100)
	_, _ = c.LoadPage(ctx, "u1", "b@x.com", 0, 100)

	if got := len(loader.calls); got != 3 {
		t.Errorf("delegate calls = %d, want 3 (only a@x.com reloaded)", got)
	}

	if err := c.InvalidateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if len(mc.items) != 0 {
		t.Errorf("cache still holds %d items", len(mc.items))
	}
}

func TestCachedTimelineFallsThroughOnCacheErrors(t *testing.T) {
	loader := &countingLoader{page: &domain.EmailPage{Messages: []domain.Message{}, Total: 0}}
	mc := newMemoryCache()
	mc.fail = true
	c := NewCachedTimeline(loader, mc, time.Minute)

	page, err := c.LoadPage(context.Background(), "u1", "a@x.com", 0, 10)
	if err != nil {
		t.Fatalf("LoadPage() error = %v", err)
	}
	if page == nil || len(loader.calls) != 1 {
		t.Errorf("page=%v calls=%d", page, len(loader.calls))
	}
}
