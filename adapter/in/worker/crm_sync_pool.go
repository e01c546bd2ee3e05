// Package worker runs contact sync jobs in the background.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

var (
	ErrPoolStopped = errors.New("sync pool is not running")
	ErrQueueFull   = errors.New("sync queue is full")
)

// =============================================================================
// go-pkgz/pool 기반 Sync Worker Pool
// =============================================================================

type PoolConfig struct {
	Workers        int           // 워커 수
	QueueSize      int           // 대기 가능한 작업 수
	WorkerChanSize int           // 워커 채널 버퍼 크기
	JobTimeout     time.Duration // 작업 타임아웃
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		QueueSize:      256,
		WorkerChanSize: 16,
		JobTimeout:     3 * time.Minute, // 전체 히스토리 동기화는 오래 걸릴 수 있음
	}
}

type PoolMetrics struct {
	JobsProcessed int64 `json:"jobs_processed"`
	JobsFailed    int64 `json:"jobs_failed"`
	JobsRejected  int64 `json:"jobs_rejected"`
	Queued        int64 `json:"queued"`
}

type syncTask struct {
	job    *domain.SyncJob
	result *domain.SyncResult
	done   chan error
}

// SyncPool executes sync jobs on a bounded worker group. Every dispatched
// job's channel yields exactly one outcome after the engine returned.
type SyncPool struct {
	syncer out.ContactSyncer
	config *PoolConfig
	log    zerolog.Logger

	mu      sync.Mutex
	group   *pool.WorkerGroup[*syncTask]
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	queued    atomic.Int64
}

// syncWorker implements pool.Worker.
type syncWorker struct {
	pool *SyncPool
}

func (w *syncWorker) Do(ctx context.Context, t *syncTask) error {
	w.pool.process(ctx, t)
	return nil
}

func NewSyncPool(syncer out.ContactSyncer, config *PoolConfig, log zerolog.Logger) *SyncPool {
	d := DefaultPoolConfig()
	if config == nil {
		config = d
	}
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = d.WorkerChanSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = d.JobTimeout
	}
	return &SyncPool{
		syncer: syncer,
		config: config,
		log:    log.With().Str("component", "sync_pool").Logger(),
	}
}

func (p *SyncPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.group = pool.New[*syncTask](p.config.Workers, &syncWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		p.cancel()
		return err
	}
	p.started = true

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("queue_size", p.config.QueueSize).
		Msg("sync pool started")
	return nil
}

// Stop drains queued jobs, waiting at most until ctx is done.
func (p *SyncPool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	group := p.group
	p.mu.Unlock()

	if err := group.Close(ctx); err != nil {
		p.log.Warn().Err(err).Msg("error closing sync pool")
	}
	p.cancel()

	m := p.Metrics()
	p.log.Info().
		Int64("processed", m.JobsProcessed).
		Int64("failed", m.JobsFailed).
		Msg("sync pool stopped")
}

func (p *SyncPool) submit(job *domain.SyncJob) (*syncTask, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	t := &syncTask{job: job, done: make(chan error, 1)}

	// WorkerGroup.Submit 는 동시 호출 불가 → mu 로 직렬화
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.rejected.Add(1)
		return nil, ErrPoolStopped
	}
	if p.queued.Load() >= int64(p.config.QueueSize) {
		p.rejected.Add(1)
		p.log.Warn().
			Str("job_id", job.ID).
			Str("contact", job.ContactEmail).
			Msg("sync job rejected, queue full")
		return nil, ErrQueueFull
	}

	p.queued.Add(1)
	p.group.Submit(t)
	return t, nil
}

// Dispatch implements out.SyncDispatcher.
func (p *SyncPool) Dispatch(ctx context.Context, job *domain.SyncJob) <-chan error {
	t, err := p.submit(job)
	if err != nil {
		done := make(chan error, 1)
		done <- err
		close(done)
		return done
	}
	return t.done
}

// Run dispatches job and waits for its outcome.
func (p *SyncPool) Run(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error) {
	t, err := p.submit(job)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-t.done:
		return t.result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SyncPool) process(ctx context.Context, t *syncTask) {
	defer p.queued.Add(-1)
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	result, err := p.syncer.SyncContact(jobCtx, t.job.UserID, t.job.ContactEmail, t.job.Options)
	if err != nil {
		p.failed.Add(1)
		p.log.Error().
			Err(err).
			Str("job_id", t.job.ID).
			Str("user_id", t.job.UserID).
			Str("contact", t.job.ContactEmail).
			Msg("sync job failed")
	} else {
		p.processed.Add(1)
		p.log.Debug().
			Str("job_id", t.job.ID).
			Int("created", result.Created).
			Int("updated", result.Updated).
			Dur("elapsed", time.Since(start)).
			Msg("sync job completed")
	}

	t.result = result
	t.done <- err
	close(t.done)
}

func (p *SyncPool) Metrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed: p.processed.Load(),
		JobsFailed:    p.failed.Load(),
		JobsRejected:  p.rejected.Load(),
		Queued:        p.queued.Load(),
	}
}

var _ out.SyncDispatcher = (*SyncPool)(nil)
