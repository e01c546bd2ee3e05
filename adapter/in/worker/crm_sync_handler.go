package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"crm_server/adapter/out/messaging"
	"crm_server/core/domain"
)

type jobRunner interface {
	Run(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error)
}

type completionPublisher interface {
	PublishCompletion(ctx context.Context, jobID string, result *domain.SyncResult, jobErr error) error
}

// SyncJobHandler consumes crm:sync entries on the worker side. A failed sync
// is still acknowledged once its outcome has been published.
type SyncJobHandler struct {
	runner    jobRunner
	publisher completionPublisher
	log       zerolog.Logger
}

func NewSyncJobHandler(runner jobRunner, publisher completionPublisher, log zerolog.Logger) *SyncJobHandler {
	return &SyncJobHandler{
		runner:    runner,
		publisher: publisher,
		log:       log.With().Str("component", "sync_job_handler").Logger(),
	}
}

func (h *SyncJobHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var job domain.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("decode sync job: %w", err)
	}
	if job.ID == "" || job.UserID == "" || job.ContactEmail == "" {
		return fmt.Errorf("incomplete sync job %q", job.ID)
	}

	result, err := h.runner.Run(ctx, &job)
	if ctx.Err() != nil {
		// 종료 중: pending 으로 남겨 다른 워커가 처리
		return ctx.Err()
	}

	if perr := h.publisher.PublishCompletion(ctx, job.ID, result, err); perr != nil {
		return perr
	}

	h.log.Debug().
		Str("stream", stream).
		Str("job_id", job.ID).
		Bool("failed", err != nil).
		Msg("sync job handled")
	return nil
}

var _ messaging.JobHandler = (*SyncJobHandler)(nil)
