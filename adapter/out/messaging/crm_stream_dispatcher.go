package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

var ErrCompletionTimeout = errors.New("sync job did not complete in time")

// StreamDispatcher hands sync jobs to worker processes. The completion
// channel is subscribed before the job is published so a fast worker
// cannot finish unobserved.
type StreamDispatcher struct {
	client   redis.UniversalClient
	producer *RedisProducer
	timeout  time.Duration
	log      zerolog.Logger
}

func NewStreamDispatcher(client redis.UniversalClient, timeout time.Duration, log zerolog.Logger) *StreamDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &StreamDispatcher{
		client:   client,
		producer: NewRedisProducer(client),
		timeout:  timeout,
		log:      log.With().Str("component", "stream_dispatcher").Logger(),
	}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, job *domain.SyncJob) <-chan error {
	done := make(chan error, 1)

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	sub := d.client.Subscribe(ctx, CompletionChannel(job.ID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		done <- fmt.Errorf("subscribe completion: %w", err)
		close(done)
		return done
	}

	if err := d.producer.PublishSyncJob(ctx, job); err != nil {
		_ = sub.Close()
		done <- err
		close(done)
		return done
	}

	d.log.Debug().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("contact", job.ContactEmail).
		Msg("sync job published")

	go func() {
		defer close(done)
		defer sub.Close()
		done <- d.await(ctx, job.ID, sub.Channel())
	}()
	return done
}

func (d *StreamDispatcher) await(ctx context.Context, jobID string, msgs <-chan *redis.Message) error {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			d.log.Warn().Str("job_id", jobID).Dur("timeout", d.timeout).Msg("sync job completion timed out")
			return fmt.Errorf("%w: %s", ErrCompletionTimeout, jobID)
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("completion channel closed for %s", jobID)
			}
			c, err := decodeCompletion(msg.Payload)
			if err != nil {
				d.log.Warn().Err(err).Str("job_id", jobID).Msg("ignoring malformed completion")
				continue
			}
			if c.JobID != jobID {
				continue
			}
			return c.Err()
		}
	}
}

var _ out.SyncDispatcher = (*StreamDispatcher)(nil)
