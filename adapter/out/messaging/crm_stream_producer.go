// Package messaging carries sync jobs between the API and worker processes
// over Redis Streams.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"crm_server/core/domain"
)

const (
	StreamContactSync = "crm:sync"

	// completion channel per job: crm:sync:done:<jobID>
	completionPrefix = "crm:sync:done:"
)

func CompletionChannel(jobID string) string {
	return completionPrefix + jobID
}

// Completion is published by the worker once a job's writes are persisted.
type Completion struct {
	JobID string             `json:"job_id"`
	Error string             `json:"error,omitempty"`
	Stats *domain.SyncResult `json:"stats,omitempty"`
}

// Err converts the completion back into the job outcome.
func (c *Completion) Err() error {
	if c.Error == "" {
		return nil
	}
	return fmt.Errorf("sync job %s: %s", c.JobID, c.Error)
}

// RedisProducer publishes sync jobs and their completions.
type RedisProducer struct {
	client redis.UniversalClient
}

func NewRedisProducer(client redis.UniversalClient) *RedisProducer {
	return &RedisProducer{client: client}
}

func (p *RedisProducer) PublishSyncJob(ctx context.Context, job *domain.SyncJob) error {
	return p.publish(ctx, StreamContactSync, job)
}

// PublishCompletion reports the outcome of jobID on its completion channel.
func (p *RedisProducer) PublishCompletion(ctx context.Context, jobID string, result *domain.SyncResult, jobErr error) error {
	c := Completion{JobID: jobID, Stats: result}
	if jobErr != nil {
		c.Error = jobErr.Error()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	if err := p.client.Publish(ctx, CompletionChannel(jobID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish completion for %s: %w", jobID, err)
	}
	return nil
}

func (p *RedisProducer) publish(ctx context.Context, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

func decodeCompletion(payload string) (*Completion, error) {
	var c Completion
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("invalid completion payload: %w", err)
	}
	return &c, nil
}
