package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"crm_server/adapter/in/worker"
	"crm_server/adapter/out/messaging"
	"crm_server/config"
	"crm_server/pkg/logger"

	"github.com/rs/zerolog"
)

const consumerGroup = "crm-sync-workers"

// Worker consumes contact sync jobs from the Redis stream and runs them on
// a local pool. Completions go back over pub/sub to the dispatching API.
type Worker struct {
	pool     *worker.SyncPool
	consumer *messaging.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	zlog     zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := logger.Component("worker")
	pool := worker.NewSyncPool(deps.SyncService, poolConfig(cfg), zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	// Redis Stream Consumer 설정 (Redis가 있을 때만)
	if deps.Redis != nil {
		producer := messaging.NewRedisProducer(deps.Redis)
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:    consumerGroup,
			Consumer: cfg.WorkerID,
			Streams:  []string{messaging.StreamContactSync},
			Handler:  worker.NewSyncJobHandler(pool, producer, zlog),
			Logger:   zlog,
		})
		logger.Info("Redis Stream Consumer configured for %s (consumer=%s)", messaging.StreamContactSync, cfg.WorkerID)
	} else {
		logger.Warn("Redis not available, worker has no job source")
	}

	return w, cleanup, nil
}

// Start blocks until Stop is called.
func (w *Worker) Start() {
	if err := w.pool.Start(); err != nil {
		w.zlog.Error().Err(err).Msg("failed to start sync pool")
		return
	}

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	w.pool.Stop(ctx)
}

func (w *Worker) Metrics() worker.PoolMetrics {
	return w.pool.Metrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
