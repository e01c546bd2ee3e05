package mail

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/core/service/common"
	"crm_server/pkg/logger"
)

// =============================================================================
// Email Store - contact 단위 in-memory timeline cache
// =============================================================================

type StoreConfig struct {
	PageSize              int
	MaxContacts           int
	MaxMessagesPerContact int
	CleanupInterval       time.Duration
	DedupDelay            time.Duration
	DedupWindow           time.Duration // timestamps closer than this count as the same send
	SettleDelay           time.Duration // used only when the dispatcher cannot signal completion
	AfterSendSettleDelay  time.Duration
	StatusResetDelay      time.Duration
	StaleOptimisticAge    time.Duration
	SyncTimeout           time.Duration // backstop; keep above the dispatcher's own bound
	PrefetchLimit         int
	DisableCleanup        bool // skip the periodic cleanup loop
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		PageSize:              100,
		MaxContacts:           50,
		MaxMessagesPerContact: 200,
		CleanupInterval:       5 * time.Minute,
		DedupDelay:            500 * time.Millisecond,
		DedupWindow:           60 * time.Second,
		SettleDelay:           3 * time.Second,
		AfterSendSettleDelay:  5 * time.Second,
		StatusResetDelay:      3 * time.Second,
		StaleOptimisticAge:    5 * time.Minute,
		SyncTimeout:           6 * time.Minute,
		PrefetchLimit:         5,
	}
}

func (c *StoreConfig) applyDefaults() {
	d := DefaultStoreConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.MaxContacts <= 0 {
		c.MaxContacts = d.MaxContacts
	}
	if c.MaxMessagesPerContact <= 0 {
		c.MaxMessagesPerContact = d.MaxMessagesPerContact
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
}

// RecentContactsSource lists a user's most recently active contacts.
type RecentContactsSource interface {
	RecentContacts(ctx context.Context, userID string, limit int) ([]string, error)
}

type contactState struct {
	userID     string
	messages   []domain.Message
	optimistic map[string]struct{}
	pagination domain.Pagination

	initialized bool
	loading     bool
	loadingMore bool
	err         string

	syncStatus domain.SyncStatus
	syncErr    string
	syncSeq    uint64

	generation uint64 // bumped whenever fetched data must be discarded
	touched    uint64 // eviction order, larger is more recently synced
	lastSynced time.Time
}

// ContactSnapshot is a consistent copy of one contact's state.
type ContactSnapshot struct {
	Contact       string            `json:"contact"`
	Messages      []domain.Message  `json:"messages"`
	Pagination    domain.Pagination `json:"pagination"`
	Loading       bool              `json:"loading"`
	LoadingMore   bool              `json:"loading_more"`
	Error         string            `json:"error,omitempty"`
	SyncStatus    domain.SyncStatus `json:"sync_status"`
	SyncError     string            `json:"sync_error,omitempty"`
	OptimisticIDs []string          `json:"optimistic_ids,omitempty"`
	LastSyncedAt  *time.Time        `json:"last_synced_at,omitempty"`
}

var errStaleFetch = errors.New("fetch superseded")

// Store owns the per-contact collections of one user session. All public
// operations record failures in contact state and notify instead of
// returning errors.
type Store struct {
	userID     string
	cfg        StoreConfig
	loader     out.TimelineLoader
	dispatcher out.SyncDispatcher
	notifier   out.Notifier
	recent     RecentContactsSource

	mu       sync.Mutex
	contacts map[string]*contactState
	timers   map[*time.Timer]struct{}
	gen      uint64
	syncSeq  uint64 // shared by all contacts, never reused after a contact is recreated
	tick     uint64
	inflight singleflight.Group

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type StoreDeps struct {
	Loader     out.TimelineLoader
	Dispatcher out.SyncDispatcher
	Notifier   out.Notifier
	Recent     RecentContactsSource
	Now        func() time.Time
}

func NewStore(userID string, cfg StoreConfig, deps StoreDeps) *Store {
	cfg.applyDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		userID:     userID,
		cfg:        cfg,
		loader:     deps.Loader,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		recent:     deps.Recent,
		contacts:   make(map[string]*contactState),
		timers:     make(map[*time.Timer]struct{}),
		now:        now,
		stopCh:     make(chan struct{}),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs PerformGlobalCleanup every CleanupInterval until Stop or ctx is done.
func (s *Store) Start(ctx context.Context) {
	if s.cfg.DisableCleanup {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.PerformGlobalCleanup(ctx)
			}
		}
	}()
}

func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopCh)
		s.cancelTimersLocked()
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Store) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// =============================================================================
// Page loading
// =============================================================================

// Initialize loads page 0 for contact. Concurrent calls for the same contact
// share one fetch.
func (s *Store) Initialize(ctx context.Context, contact, userID string) {
	key := domain.NormalizeAddress(contact)
	if key == "" {
		return
	}

	s.mu.Lock()
	st := s.ensureLocked(key, userID)
	st.loading = true
	st.err = ""
	if userID == "" {
		userID = st.userID
	}
	s.mu.Unlock()

	_, _, _ = s.inflight.Do(key, func() (any, error) {
		return nil, s.loadFirstPage(ctx, key, userID)
	})
}

func (s *Store) loadFirstPage(ctx context.Context, key, userID string) error {
	s.mu.Lock()
	st, ok := s.contacts[key]
	if !ok {
		s.mu.Unlock()
		return errStaleFetch
	}
	gen := st.generation
	s.mu.Unlock()

	page, err := s.loader.LoadPage(ctx, userID, key, 0, s.cfg.PageSize)

	s.mu.Lock()
	st, ok = s.contacts[key]
	if !ok || st.generation != gen {
		s.mu.Unlock()
		return errStaleFetch
	}
	st.loading = false
	if err != nil {
		st.err = err.Error()
		s.mu.Unlock()
		logger.WithError(err).Warn("[Store.Initialize] failed to load %s", key)
		s.notifyError(ctx, userID, key, "initialize", err)
		return err
	}

	fetched := make([]domain.Message, 0, len(page.Messages)+len(st.optimistic))
	for _, m := range page.Messages {
		fetched = append(fetched, m.Clone())
	}
	confirmed := confirmFetchedLocked(st, page.Messages)
	// optimistic entries outlive a reload until confirmed
	for _, m := range st.messages {
		if _, isOpt := st.optimistic[m.ID]; isOpt {
			fetched = append(fetched, m)
		}
	}
	sortNewestFirst(fetched)

	st.messages = fetched
	st.pagination = domain.Pagination{Offset: s.cfg.PageSize, HasMore: page.HasMore, Total: page.Total}
	st.initialized = true
	st.err = ""
	s.markSyncedLocked(st)
	removed := s.dedupLocked(st)
	s.mu.Unlock()

	logger.Debug("[Store.Initialize] %s loaded=%d has_more=%v confirmed=%d dedup_removed=%d", key, len(page.Messages), page.HasMore, len(confirmed), removed)
	return nil
}

// LoadMore appends the next page. It does nothing while another page load for
// the contact is running, when the contact has no more pages, or before the
// contact was initialized.
func (s *Store) LoadMore(ctx context.Context, contact string) {
	key := domain.NormalizeAddress(contact)

	s.mu.Lock()
	st, ok := s.contacts[key]
	if !ok || !st.initialized || st.loading || st.loadingMore || !st.pagination.HasMore {
		s.mu.Unlock()
		return
	}
	st.loadingMore = true
	offset := st.pagination.Offset
	gen := st.generation
	userID := st.userID
	s.mu.Unlock()

	page, err := s.loader.LoadPage(ctx, userID, key, offset, s.cfg.PageSize)

	s.mu.Lock()
	st, ok = s.contacts[key]
	if !ok || st.generation != gen {
		s.mu.Unlock()
		return
	}
	st.loadingMore = false
	if err != nil {
		st.err = err.Error()
		s.mu.Unlock()
		logger.WithError(err).Warn("[Store.LoadMore] failed to load %s offset=%d", key, offset)
		s.notifyError(ctx, userID, key, "load_more", err)
		return
	}

	// fetched copies replace optimistic ones carrying the same id
	if confirmed := confirmFetchedLocked(st, page.Messages); len(confirmed) > 0 {
		st.messages = removeByID(st.messages, confirmed)
	}

	seen := make(map[string]struct{}, len(st.messages))
	for _, m := range st.messages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range page.Messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		st.messages = append(st.messages, m.Clone())
	}
	sortNewestFirst(st.messages)

	st.pagination.Offset += s.cfg.PageSize
	st.pagination.HasMore = page.HasMore
	st.pagination.Total = page.Total
	st.err = ""
	s.markSyncedLocked(st)
	s.dedupLocked(st)
	s.mu.Unlock()
}

// =============================================================================
// History sync
// =============================================================================

// SyncHistory dispatches a background full-history sync and returns at once.
// When the sync finishes the contact is reloaded from the persistent store.
func (s *Store) SyncHistory(ctx context.Context, contact, userID string, opts domain.SyncOptions) {
	key := domain.NormalizeAddress(contact)
	if key == "" {
		return
	}

	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return
	}
	st := s.ensureLocked(key, userID)
	if st.syncStatus == domain.SyncStatusSyncing {
		s.mu.Unlock()
		return
	}
	if userID == "" {
		userID = st.userID
	}
	st.syncStatus = domain.SyncStatusSyncing
	st.syncErr = ""
	s.syncSeq++
	st.syncSeq = s.syncSeq
	seq := st.syncSeq
	// Stop closes stopCh under mu; Add must happen on the same side of it
	s.wg.Add(1)
	s.mu.Unlock()

	s.notifyStatus(ctx, userID, key, domain.SyncStatusSyncing, "")

	job := &domain.SyncJob{
		ID:           uuid.NewString(),
		UserID:       userID,
		ContactEmail: key,
		Options:      opts,
		CreatedAt:    s.now(),
	}

	var done <-chan error
	if s.dispatcher != nil {
		done = s.dispatcher.Dispatch(context.WithoutCancel(ctx), job)
	}

	logger.Info("[Store.SyncHistory] dispatched job=%s contact=%s full=%v after_send=%v", job.ID, key, opts.ForceFullSync, opts.IsAfterSend)

	go func() {
		defer s.wg.Done()
		s.awaitSync(key, userID, seq, opts, done)
	}()
}

func (s *Store) awaitSync(key, userID string, seq uint64, opts domain.SyncOptions, done <-chan error) {
	var syncErr error
	if done == nil {
		delay := s.cfg.SettleDelay
		if opts.IsAfterSend {
			delay = s.cfg.AfterSendSettleDelay
		}
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}
	} else {
		timeout := time.NewTimer(s.cfg.SyncTimeout)
		defer timeout.Stop()
		select {
		case syncErr = <-done:
		case <-timeout.C:
			syncErr = common.ErrSyncTimeout
		case <-s.stopCh:
			return
		}
	}

	ctx := context.Background()

	if syncErr != nil {
		if !s.finishSync(key, seq, domain.SyncStatusFailed, syncErr.Error()) {
			return
		}
		logger.WithError(syncErr).Warn("[Store.SyncHistory] sync failed for %s", key)
		s.notifyError(ctx, userID, key, "sync", syncErr)
		s.notifyStatus(ctx, userID, key, domain.SyncStatusFailed, syncErr.Error())
		s.scheduleStatusReset(key, seq)
		return
	}

	if !s.clearForReload(key, seq) {
		return
	}
	s.Initialize(ctx, key, userID)
	s.Deduplicate(key)

	if !s.finishSync(key, seq, domain.SyncStatusCompleted, "") {
		return
	}
	s.notifyStatus(ctx, userID, key, domain.SyncStatusCompleted, "")
	s.notify(ctx, userID, &domain.RealtimeEvent{
		Type:      domain.EventTimelineUpdated,
		Timestamp: s.now(),
		Data:      map[string]any{"contact": key, "count": s.Count(key)},
	})
	s.scheduleStatusReset(key, seq)
}

// clearForReload drops confirmed messages so the reload starts from page 0.
func (s *Store) clearForReload(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[key]
	if !ok || st.syncSeq != seq {
		return false
	}
	kept := st.messages[:0:0]
	for _, m := range st.messages {
		if _, isOpt := st.optimistic[m.ID]; isOpt {
			kept = append(kept, m)
		}
	}
	st.messages = kept
	st.pagination = domain.Pagination{}
	st.initialized = false
	st.loadingMore = false
	s.gen++
	st.generation = s.gen
	s.inflight.Forget(key)
	return true
}

func (s *Store) finishSync(key string, seq uint64, status domain.SyncStatus, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[key]
	if !ok || st.syncSeq != seq {
		return false
	}
	st.syncStatus = status
	st.syncErr = errMsg
	if status == domain.SyncStatusCompleted {
		s.markSyncedLocked(st)
	}
	return true
}

func (s *Store) scheduleStatusReset(key string, seq uint64) {
	s.schedule(s.cfg.StatusResetDelay, func() {
		s.mu.Lock()
		st, ok := s.contacts[key]
		if ok && st.syncSeq == seq && st.syncStatus != domain.SyncStatusSyncing {
			st.syncStatus = domain.SyncStatusIdle
		}
		s.mu.Unlock()
	})
}

// =============================================================================
// Optimistic messages
// =============================================================================

// AddOptimisticMessage shows msg immediately and schedules a dedup pass.
// It returns the message id, synthesizing one when msg has none.
func (s *Store) AddOptimisticMessage(contact string, msg domain.Message) string {
	key := domain.NormalizeAddress(contact)
	if msg.ID == "" {
		msg.ID = "optimistic-" + uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg = msg.Clone()

	s.mu.Lock()
	st := s.ensureLocked(key, "")
	for _, m := range st.messages {
		if m.ID == msg.ID {
			s.mu.Unlock()
			return msg.ID
		}
	}
	st.messages = append([]domain.Message{msg}, st.messages...)
	sortNewestFirst(st.messages)
	st.optimistic[msg.ID] = struct{}{}
	s.mu.Unlock()

	s.schedule(s.cfg.DedupDelay, func() { s.Deduplicate(key) })
	return msg.ID
}

func (s *Store) RemoveOptimisticMessage(contact, id string) {
	key := domain.NormalizeAddress(contact)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[key]
	if !ok {
		return
	}
	delete(st.optimistic, id)
	st.messages = removeByID(st.messages, map[string]struct{}{id: {}})
}

// Deduplicate merges optimistic copies into their confirmed counterparts and
// reports how many messages were removed.
func (s *Store) Deduplicate(contact string) int {
	key := domain.NormalizeAddress(contact)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[key]
	if !ok {
		return 0
	}
	return s.dedupLocked(st)
}

func (s *Store) dedupLocked(st *contactState) int {
	before := len(st.messages)

	// provider ids are unique; the first (newest) occurrence wins
	seen := make(map[string]struct{}, len(st.messages))
	unique := make([]domain.Message, 0, len(st.messages))
	for _, m := range st.messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		unique = append(unique, m)
	}
	st.messages = unique

	for id := range st.optimistic {
		if _, present := seen[id]; !present {
			delete(st.optimistic, id)
		}
	}
	if len(st.optimistic) == 0 {
		return before - len(st.messages)
	}

	var authoritative []*domain.Message
	for i := range st.messages {
		if _, isOpt := st.optimistic[st.messages[i].ID]; !isOpt {
			authoritative = append(authoritative, &st.messages[i])
		}
	}

	confirmed := make(map[string]struct{})
	for i := range st.messages {
		m := &st.messages[i]
		if _, isOpt := st.optimistic[m.ID]; !isOpt {
			continue
		}
		if matchesAny(m, authoritative, s.cfg.DedupWindow) {
			confirmed[m.ID] = struct{}{}
		}
	}
	for id := range confirmed {
		delete(st.optimistic, id)
	}
	st.messages = removeByID(st.messages, confirmed)

	return before - len(st.messages)
}

// confirmFetchedLocked clears the optimistic marker of every fetched id and
// returns the ids it cleared.
func confirmFetchedLocked(st *contactState, fetched []domain.Message) map[string]struct{} {
	confirmed := make(map[string]struct{})
	for _, m := range fetched {
		if _, isOpt := st.optimistic[m.ID]; isOpt {
			delete(st.optimistic, m.ID)
			confirmed[m.ID] = struct{}{}
		}
	}
	return confirmed
}

// matchesAny looks for an exact idempotency token match first and falls back
// to the subject/time/participants heuristic for senders without tokens.
func matchesAny(opt *domain.Message, authoritative []*domain.Message, window time.Duration) bool {
	if opt.ClientToken != "" {
		for _, a := range authoritative {
			if a.ClientToken == opt.ClientToken {
				return true
			}
		}
	}
	for _, a := range authoritative {
		if opt.ClientToken != "" && a.ClientToken != "" {
			continue
		}
		if sameSend(opt, a, window) {
			return true
		}
	}
	return false
}

// sameSend: same subject AND (|dt| <= window OR (same sender AND same To list)).
func sameSend(a, b *domain.Message, window time.Duration) bool {
	if strings.TrimSpace(a.Subject) != strings.TrimSpace(b.Subject) {
		return false
	}
	dt := a.Timestamp.Sub(b.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt <= window {
		return true
	}
	if !strings.EqualFold(a.From.Email, b.From.Email) {
		return false
	}
	return equalStrings(a.To(), b.To())
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CleanupStaleOptimisticMessages drops optimistic messages older than
// maxAgeMinutes whether or not a confirmed copy arrived.
func (s *Store) CleanupStaleOptimisticMessages(contact string, maxAgeMinutes int) int {
	key := domain.NormalizeAddress(contact)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[key]
	if !ok {
		return 0
	}
	return s.cleanupStaleLocked(st, time.Duration(maxAgeMinutes)*time.Minute)
}

func (s *Store) cleanupStaleLocked(st *contactState, maxAge time.Duration) int {
	if len(st.optimistic) == 0 {
		return 0
	}
	cutoff := s.now().Add(-maxAge)
	stale := make(map[string]struct{})
	for _, m := range st.messages {
		if _, isOpt := st.optimistic[m.ID]; isOpt && m.Timestamp.Before(cutoff) {
			stale[m.ID] = struct{}{}
		}
	}
	for id := range stale {
		delete(st.optimistic, id)
	}
	before := len(st.messages)
	st.messages = removeByID(st.messages, stale)
	return before - len(st.messages)
}

// =============================================================================
// Global cleanup
// =============================================================================

// CleanupStats reports what one PerformGlobalCleanup pass did.
type CleanupStats struct {
	EvictedContacts []string
	TrimmedMessages int
	StaleRemoved    int
	Prefetched      int
}

// PerformGlobalCleanup enforces MaxContacts (least recently synced evicted
// first) and MaxMessagesPerContact (newest kept), then prefetches recent
// contacts while the cache has room.
func (s *Store) PerformGlobalCleanup(ctx context.Context) CleanupStats {
	var stats CleanupStats

	s.mu.Lock()
	for _, st := range s.contacts {
		if s.cfg.StaleOptimisticAge > 0 {
			stats.StaleRemoved += s.cleanupStaleLocked(st, s.cfg.StaleOptimisticAge)
		}
		stats.TrimmedMessages += s.trimLocked(st)
	}

	if over := len(s.contacts) - s.cfg.MaxContacts; over > 0 {
		keys := make([]string, 0, len(s.contacts))
		for k := range s.contacts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return s.contacts[keys[i]].touched < s.contacts[keys[j]].touched
		})
		for _, k := range keys[:over] {
			s.removeContactLocked(k)
			stats.EvictedContacts = append(stats.EvictedContacts, k)
		}
	}
	cached := len(s.contacts)
	s.mu.Unlock()

	if len(stats.EvictedContacts) > 0 || stats.TrimmedMessages > 0 {
		logger.Info("[Store.PerformGlobalCleanup] evicted=%d trimmed=%d stale=%d",
			len(stats.EvictedContacts), stats.TrimmedMessages, stats.StaleRemoved)
	}

	stats.Prefetched = s.prefetch(ctx, cached)
	return stats
}

func (s *Store) trimLocked(st *contactState) int {
	limit := s.cfg.MaxMessagesPerContact
	if len(st.messages) <= limit {
		return 0
	}
	sortNewestFirst(st.messages)
	dropped := make(map[string]struct{}, len(st.messages)-limit)
	for _, m := range st.messages[limit:] {
		dropped[m.ID] = struct{}{}
		delete(st.optimistic, m.ID)
	}
	st.messages = append([]domain.Message(nil), st.messages[:limit]...)

	confirmed := 0
	for _, m := range st.messages {
		if _, isOpt := st.optimistic[m.ID]; !isOpt {
			confirmed++
		}
	}
	st.pagination.Offset = confirmed
	st.pagination.HasMore = true
	return len(dropped)
}

// prefetch loads first pages of recently active contacts that are not cached
// while the cache is below 80% of MaxContacts.
func (s *Store) prefetch(ctx context.Context, cached int) int {
	if s.recent == nil || s.cfg.PrefetchLimit <= 0 || s.userID == "" || s.stopped() {
		return 0
	}
	room := s.cfg.MaxContacts*8/10 - cached
	if room <= 0 {
		return 0
	}
	limit := s.cfg.PrefetchLimit
	if limit > room {
		limit = room
	}

	recent, err := s.recent.RecentContacts(ctx, s.userID, limit)
	if err != nil {
		logger.WithError(err).Warn("[Store.prefetch] failed to list recent contacts")
		return 0
	}

	n := 0
	for _, c := range recent {
		key := domain.NormalizeAddress(c)
		s.mu.Lock()
		_, exists := s.contacts[key]
		s.mu.Unlock()
		if exists || key == "" {
			continue
		}
		s.Initialize(ctx, key, s.userID)
		n++
		if n >= limit {
			break
		}
	}
	return n
}

// =============================================================================
// Accessors
// =============================================================================

// Messages returns a copy of the contact's sequence, newest first.
func (s *Store) Messages(contact string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	if !ok {
		return []domain.Message{}
	}
	return cloneMessages(st.messages)
}

func (s *Store) IsLoading(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	return ok && st.loading
}

func (s *Store) IsLoadingMore(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	return ok && st.loadingMore
}

func (s *Store) SyncStatus(contact string) domain.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	if !ok {
		return domain.SyncStatusIdle
	}
	return st.syncStatus
}

func (s *Store) SyncError(contact string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.contacts[domain.NormalizeAddress(contact)]; ok {
		return st.syncErr
	}
	return ""
}

func (s *Store) Error(contact string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.contacts[domain.NormalizeAddress(contact)]; ok {
		return st.err
	}
	return ""
}

func (s *Store) HasMore(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	return ok && st.pagination.HasMore
}

func (s *Store) Count(contact string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.contacts[domain.NormalizeAddress(contact)]; ok {
		return len(st.messages)
	}
	return 0
}

func (s *Store) Pagination(contact string) domain.Pagination {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.contacts[domain.NormalizeAddress(contact)]; ok {
		return st.pagination
	}
	return domain.Pagination{}
}

// IsInitialized reports whether page 0 has been loaded for contact.
func (s *Store) IsInitialized(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.contacts[domain.NormalizeAddress(contact)]
	return ok && st.initialized
}

// Contacts lists cached contact addresses in sorted order.
func (s *Store) Contacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.contacts))
	for k := range s.contacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Snapshot(contact string) ContactSnapshot {
	key := domain.NormalizeAddress(contact)

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ContactSnapshot{Contact: key, Messages: []domain.Message{}, SyncStatus: domain.SyncStatusIdle}
	st, ok := s.contacts[key]
	if !ok {
		return snap
	}
	snap.Messages = cloneMessages(st.messages)
	snap.Pagination = st.pagination
	snap.Loading = st.loading
	snap.LoadingMore = st.loadingMore
	snap.Error = st.err
	snap.SyncStatus = st.syncStatus
	snap.SyncError = st.syncErr
	for _, m := range st.messages {
		if _, isOpt := st.optimistic[m.ID]; isOpt {
			snap.OptimisticIDs = append(snap.OptimisticIDs, m.ID)
		}
	}
	if !st.lastSynced.IsZero() {
		t := st.lastSynced
		snap.LastSyncedAt = &t
	}
	return snap
}

// =============================================================================
// Teardown
// =============================================================================

// Reset drops all state and pending deferred work.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimersLocked()
	for k := range s.contacts {
		s.removeContactLocked(k)
	}
}

// ClearAllEmails drops every cached contact.
func (s *Store) ClearAllEmails() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.contacts {
		s.removeContactLocked(k)
	}
}

func (s *Store) ClearContactEmails(contact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeContactLocked(domain.NormalizeAddress(contact))
}

// =============================================================================
// internals
// =============================================================================

func (s *Store) ensureLocked(key, userID string) *contactState {
	st, ok := s.contacts[key]
	if !ok {
		if userID == "" {
			userID = s.userID
		}
		s.gen++
		s.tick++
		st = &contactState{
			userID:     userID,
			optimistic: make(map[string]struct{}),
			syncStatus: domain.SyncStatusIdle,
			generation: s.gen,
			touched:    s.tick,
		}
		s.contacts[key] = st
	} else if userID != "" {
		st.userID = userID
	}
	return st
}

func (s *Store) markSyncedLocked(st *contactState) {
	s.tick++
	st.touched = s.tick
	st.lastSynced = s.now()
}

func (s *Store) removeContactLocked(key string) {
	if _, ok := s.contacts[key]; !ok {
		return
	}
	delete(s.contacts, key)
	s.inflight.Forget(key)
}

func (s *Store) schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Store) cancelTimersLocked() {
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
}

func (s *Store) notify(ctx context.Context, userID string, event *domain.RealtimeEvent) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, event)
}

func (s *Store) notifyError(ctx context.Context, userID, contact, op string, err error) {
	s.notify(ctx, userID, &domain.RealtimeEvent{
		Type:      domain.EventEmailError,
		Timestamp: s.now(),
		Data: map[string]any{
			"contact":   contact,
			"operation": op,
			"error":     err.Error(),
		},
	})
}

func (s *Store) notifyStatus(ctx context.Context, userID, contact string, status domain.SyncStatus, errMsg string) {
	data := map[string]any{"contact": contact, "status": string(status)}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.notify(ctx, userID, &domain.RealtimeEvent{
		Type:      domain.EventSyncStatus,
		Timestamp: s.now(),
		Data:      data,
	})
}

func sortNewestFirst(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}

func removeByID(msgs []domain.Message, ids map[string]struct{}) []domain.Message {
	if len(ids) == 0 {
		return msgs
	}
	kept := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, drop := ids[m.ID]; !drop {
			kept = append(kept, m)
		}
	}
	return kept
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	cloned := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		cloned[i] = m.Clone()
	}
	return cloned
}
