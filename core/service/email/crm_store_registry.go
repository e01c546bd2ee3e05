package mail

import (
	"context"
	"sort"
	"sync"

	"crm_server/pkg/logger"
)

// Registry hands out one Store per user. Stores are created lazily and run
// their cleanup loop until dropped or the registry stops.
type Registry struct {
	cfg  StoreConfig
	deps StoreDeps

	mu     sync.Mutex
	stores map[string]*Store
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(ctx context.Context, cfg StoreConfig, deps StoreDeps) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:    cfg,
		deps:   deps,
		stores: make(map[string]*Store),
		ctx:    ctx,
		cancel: cancel,
	}
}

// For returns userID's store, creating and starting it on first use.
func (r *Registry) For(userID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[userID]; ok {
		return s
	}
	s := NewStore(userID, r.cfg, r.deps)
	s.Start(r.ctx)
	r.stores[userID] = s
	logger.Debug("[Registry.For] created store for user %s", userID)
	return s
}

// Lookup returns userID's store without creating one.
func (r *Registry) Lookup(userID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[userID]
	return s, ok
}

// Drop stops and forgets userID's store.
func (r *Registry) Drop(userID string) {
	r.mu.Lock()
	s, ok := r.stores[userID]
	delete(r.stores, userID)
	r.mu.Unlock()

	if ok {
		s.Reset()
		s.Stop()
	}
}

func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.stores))
	for u := range r.stores {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Stop stops every store. The registry must not be used afterwards.
func (r *Registry) Stop() {
	r.cancel()

	r.mu.Lock()
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.stores = make(map[string]*Store)
	r.mu.Unlock()

	for _, s := range stores {
		s.Stop()
	}
	logger.Info("[Registry.Stop] stopped %d stores", len(stores))
}
