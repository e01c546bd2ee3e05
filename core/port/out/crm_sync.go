package out

import (
	"context"

	"crm_server/core/domain"
)

// SyncDispatcher runs sync jobs in the background.
type SyncDispatcher interface {
	// Dispatch enqueues the job. The returned channel receives the job's
	// outcome once its writes are persisted and is then closed. A nil
	// channel means completion cannot be observed.
	Dispatch(ctx context.Context, job *domain.SyncJob) <-chan error
}

// ContactSyncer is implemented by the sync engine.
type ContactSyncer interface {
	SyncContact(ctx context.Context, userID, contactEmail string, opts domain.SyncOptions) (*domain.SyncResult, error)
}

// TimelineLoader supplies one page of a contact's timeline.
type TimelineLoader interface {
	LoadPage(ctx context.Context, userID, contactEmail string, offset, limit int) (*domain.EmailPage, error)
}

// TimelineInvalidator drops cached pages after the underlying rows changed.
type TimelineInvalidator interface {
	Invalidate(ctx context.Context, userID, contactEmail string) error
}
