package bootstrap

import (
	"testing"
	"time"

	"crm_server/config"
)

func TestStoreOutwaitsDispatchedJobs(t *testing.T) {
	tests := []struct {
		name        string
		syncTimeout time.Duration
	}{
		{name: "unset", syncTimeout: 0},
		{name: "default", syncTimeout: 2 * time.Minute},
		{name: "long", syncTimeout: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{SyncTimeout: tt.syncTimeout}

			job := poolConfig(cfg).JobTimeout
			dispatch := dispatchTimeout(cfg)
			store := StoreConfig(cfg).SyncTimeout

			if dispatch < job+queueWaitAllowance {
				t.Errorf("dispatch timeout %v does not cover job timeout %v plus queueing", dispatch, job)
			}
			if store <= dispatch {
				t.Errorf("store timeout %v must exceed dispatch timeout %v", store, dispatch)
			}
		})
	}
}
