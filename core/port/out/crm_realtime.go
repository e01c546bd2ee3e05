package out

import (
	"context"

	"crm_server/core/domain"
)

// RealtimePort - 실시간 이벤트 푸시
type RealtimePort interface {
	Subscribe(userID string) <-chan *domain.RealtimeEvent
	Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent)
	Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error
	ConnectedCount() int
	IsConnected(userID string) bool
}

// Notifier is the side channel for user visible failures and status changes.
type Notifier interface {
	Notify(ctx context.Context, userID string, event *domain.RealtimeEvent)
}

// ProgressReporter receives sync progress.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, progress domain.SyncProgress)
}
