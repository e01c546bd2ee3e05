// Package realtime pushes contact timeline events to connected clients.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

// =============================================================================
// SSE Adapter - RealtimePort 구현
// =============================================================================

const clientBuffer = 256

// SSEAdapter fans events out to every open SSE connection of a user.
type SSEAdapter struct {
	clients map[string]map[chan *domain.RealtimeEvent]struct{} // userID -> channels
	mu      sync.RWMutex
	log     zerolog.Logger

	sent    atomic.Int64
	dropped atomic.Int64
	seq     atomic.Int64
}

func NewSSEAdapter(log zerolog.Logger) *SSEAdapter {
	return &SSEAdapter{
		clients: make(map[string]map[chan *domain.RealtimeEvent]struct{}),
		log:     log.With().Str("component", "sse_adapter").Logger(),
	}
}

func (a *SSEAdapter) Subscribe(userID string) <-chan *domain.RealtimeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan *domain.RealtimeEvent, clientBuffer)
	if a.clients[userID] == nil {
		a.clients[userID] = make(map[chan *domain.RealtimeEvent]struct{})
	}
	a.clients[userID][ch] = struct{}{}

	a.log.Debug().
		Str("user_id", userID).
		Int("connections", len(a.clients[userID])).
		Msg("client subscribed")
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (a *SSEAdapter) Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels, ok := a.clients[userID]
	if !ok {
		return
	}
	for c := range channels {
		if c == ch {
			delete(channels, c)
			close(c)
			break
		}
	}
	if len(channels) == 0 {
		delete(a.clients, userID)
	}
	a.log.Debug().Str("user_id", userID).Msg("client unsubscribed")
}

// Push never blocks: a connection whose buffer is full loses the event.
func (a *SSEAdapter) Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// 시퀀스 번호 (클라이언트 순서 확인용)
	event.Seq = a.seq.Add(1)

	// 전송 중 Unsubscribe 가 close 하지 않도록 read lock 유지
	a.mu.RLock()
	defer a.mu.RUnlock()

	for ch := range a.clients[userID] {
		select {
		case ch <- event:
			a.sent.Add(1)
		default:
			a.dropped.Add(1)
			a.log.Warn().
				Str("user_id", userID).
				Str("event_type", string(event.Type)).
				Int64("seq", event.Seq).
				Msg("dropped event due to full buffer")
		}
	}
	return nil
}

func (a *SSEAdapter) ConnectedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

func (a *SSEAdapter) IsConnected(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients[userID]) > 0
}

// Notify implements out.Notifier.
func (a *SSEAdapter) Notify(ctx context.Context, userID string, event *domain.RealtimeEvent) {
	_ = a.Push(ctx, userID, event)
}

// ReportProgress implements out.ProgressReporter.
func (a *SSEAdapter) ReportProgress(ctx context.Context, p domain.SyncProgress) {
	_ = a.Push(ctx, p.UserID, &domain.RealtimeEvent{
		Type: domain.EventSyncProgress,
		Data: map[string]any{
			"account": p.AccountEmail,
			"contact": p.ContactEmail,
			"phase":   p.Phase,
			"done":    p.Done,
			"total":   p.Total,
		},
	})
}

type SSEMetrics struct {
	ConnectedUsers   int   `json:"connected_users"`
	TotalConnections int   `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

func (a *SSEAdapter) Metrics() SSEMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := 0
	for _, channels := range a.clients {
		total += len(channels)
	}
	return SSEMetrics{
		ConnectedUsers:   len(a.clients),
		TotalConnections: total,
		MessagesSent:     a.sent.Load(),
		MessagesDropped:  a.dropped.Load(),
	}
}

// =============================================================================
// Client - HTTP Handler 연결용
// =============================================================================

// Client is one SSE connection.
type Client struct {
	UserID    string
	Events    <-chan *domain.RealtimeEvent
	Heartbeat time.Duration

	adapter *SSEAdapter
	once    sync.Once
}

// NewClient subscribes a connection for userID.
func (a *SSEAdapter) NewClient(userID string, heartbeat time.Duration) *Client {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Client{
		UserID:    userID,
		Events:    a.Subscribe(userID),
		Heartbeat: heartbeat,
		adapter:   a,
	}
}

func (c *Client) Close() {
	c.once.Do(func() { c.adapter.Unsubscribe(c.UserID, c.Events) })
}

// SerializeEvent renders the data line of an SSE frame.
func SerializeEvent(event *domain.RealtimeEvent) ([]byte, error) {
	return json.Marshal(event)
}

var (
	_ out.RealtimePort     = (*SSEAdapter)(nil)
	_ out.Notifier         = (*SSEAdapter)(nil)
	_ out.ProgressReporter = (*SSEAdapter)(nil)
)
