package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"crm_server/core/domain"
)

type fakeRunner struct {
	jobs []*domain.SyncJob
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error) {
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.SyncResult{Created: 2}, nil
}

type completion struct {
	jobID  string
	result *domain.SyncResult
	err    error
}

type fakePublisher struct {
	published []completion
	err       error
}

func (p *fakePublisher) PublishCompletion(ctx context.Context, jobID string, result *domain.SyncResult, jobErr error) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, completion{jobID, result, jobErr})
	return nil
}

func TestSyncJobHandler(t *testing.T) {
	valid := []byte(`{"id":"j1","user_id":"u1","contact_email":"ann@x.com","options":{"force_full_sync":true}}`)
	syncErr := errors.New("mailbox unavailable")

	tests := []struct {
		name          string
		data          []byte
		runErr        error
		publishErr    error
		wantErr       bool
		wantPublished int
	}{
		{name: "success", data: valid, wantPublished: 1},
		{name: "failed sync is acknowledged", data: valid, runErr: syncErr, wantPublished: 1},
		{name: "malformed payload", data: []byte("{"), wantErr: true},
		{name: "missing contact", data: []byte(`{"id":"j1","user_id":"u1"}`), wantErr: true},
		{name: "publish failure retried", data: valid, publishErr: errors.New("redis down"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			pub := &fakePublisher{err: tt.publishErr}
			h := NewSyncJobHandler(runner, pub, zerolog.Nop())

			err := h.Handle(context.Background(), "crm:sync", tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(pub.published) != tt.wantPublished {
				t.Fatalf("published %d completions, want %d", len(pub.published), tt.wantPublished)
			}
			if tt.wantPublished == 0 {
				return
			}
			got := pub.published[0]
			if got.jobID != "j1" || !errors.Is(got.err, tt.runErr) {
				t.Errorf("completion = %+v", got)
			}
			if !runner.jobs[0].Options.ForceFullSync {
				t.Error("options not decoded")
			}
		})
	}
}
