package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"crm_server/core/domain"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (f *fakeSyncer) SyncContact(ctx context.Context, userID, contactEmail string, opts domain.SyncOptions) (*domain.SyncResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, userID+"/"+contactEmail)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.SyncResult{Created: 1, Accounts: 1}, nil
}

func newTestPool(t *testing.T, syncer *fakeSyncer, cfg *PoolConfig) *SyncPool {
	t.Helper()
	p := NewSyncPool(syncer, cfg, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err, ok := <-ch:
		if !ok {
			t.Fatal("completion channel closed without a value")
		}
		if _, more := <-ch; more {
			t.Error("completion channel delivered twice")
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
		return nil
	}
}

func TestDispatchSignalsCompletion(t *testing.T) {
	syncer := &fakeSyncer{}
	p := newTestPool(t, syncer, nil)

	job := &domain.SyncJob{UserID: "u1", ContactEmail: "ann@x.com"}
	if err := waitDone(t, p.Dispatch(context.Background(), job)); err != nil {
		t.Fatalf("job error = %v", err)
	}
	if job.ID == "" {
		t.Error("job id not assigned")
	}
	if diff := cmp.Diff([]string{"u1/ann@x.com"}, syncer.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if m := p.Metrics(); m.JobsProcessed != 1 || m.Queued != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatchPropagatesFailure(t *testing.T) {
	boom := errors.New("no accounts")
	p := newTestPool(t, &fakeSyncer{err: boom}, nil)

	err := waitDone(t, p.Dispatch(context.Background(), &domain.SyncJob{UserID: "u1", ContactEmail: "a@x.com"}))
	if !errors.Is(err, boom) {
		t.Errorf("job error = %v, want %v", err, boom)
	}
	if m := p.Metrics(); m.JobsFailed != 1 {
		t.Errorf("JobsFailed = %d", m.JobsFailed)
	}
}

func TestRunReturnsResult(t *testing.T) {
	p := newTestPool(t, &fakeSyncer{}, nil)

	res, err := p.Run(context.Background(), &domain.SyncJob{ID: "j1", UserID: "u1", ContactEmail: "a@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&domain.SyncResult{Created: 1, Accounts: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchRejectsWhenQueueFull(t *testing.T) {
	syncer := &fakeSyncer{block: make(chan struct{})}
	p := newTestPool(t, syncer, &PoolConfig{Workers: 1, QueueSize: 1})

	first := p.Dispatch(context.Background(), &domain.SyncJob{UserID: "u1", ContactEmail: "a@x.com"})
	second := p.Dispatch(context.Background(), &domain.SyncJob{UserID: "u1", ContactEmail: "b@x.com"})

	if err := waitDone(t, second); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second job error = %v, want ErrQueueFull", err)
	}
	close(syncer.block)
	if err := waitDone(t, first); err != nil {
		t.Errorf("first job error = %v", err)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	p := NewSyncPool(&fakeSyncer{}, nil, zerolog.Nop())
	if err := waitDone(t, p.Dispatch(context.Background(), &domain.SyncJob{UserID: "u1", ContactEmail: "a@x.com"})); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("error before Start = %v", err)
	}

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Stop(context.Background())

	if _, err := p.Run(context.Background(), &domain.SyncJob{UserID: "u1", ContactEmail: "a@x.com"}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("error after Stop = %v", err)
	}
}
