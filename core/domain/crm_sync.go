package domain

import (
	"time"
)

// =============================================================================
// Sync Status - contact 단위 (UI indicator)
// =============================================================================

// SyncStatus moves idle -> syncing -> completed|failed -> idle.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

type SyncOptions struct {
	IsAfterSend   bool `json:"is_after_send"`
	ForceFullSync bool `json:"force_full_sync"`
}

// SyncResult summarizes one engine run.
type SyncResult struct {
	Fetched         int           `json:"fetched"`
	Created         int           `json:"created"`
	Updated         int           `json:"updated"`
	Skipped         int           `json:"skipped"` // unchanged rows
	Accounts        int           `json:"accounts"`
	SkippedAccounts int           `json:"skipped_accounts"` // no usable token
	Duration        time.Duration `json:"duration"`
}

// Add merges other into r.
func (r *SyncResult) Add(other *SyncResult) {
	if other == nil {
		return
	}
	r.Fetched += other.Fetched
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Accounts += other.Accounts
	r.SkippedAccounts += other.SkippedAccounts
}

// =============================================================================
// Sync Log
// =============================================================================

type SyncLogStatus string

const (
	SyncLogStarted   SyncLogStatus = "started"
	SyncLogCompleted SyncLogStatus = "completed"
	SyncLogFailed    SyncLogStatus = "failed"
)

type SyncLog struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	AccountEmail string        `json:"account_email"`
	ContactEmail string        `json:"contact_email"`
	Status       SyncLogStatus `json:"status"`
	Fetched      int           `json:"fetched"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// SyncJob is the unit of work handed to a dispatcher.
type SyncJob struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	ContactEmail string      `json:"contact_email"`
	Options      SyncOptions `json:"options"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SyncPhase names the stage reported in progress events.
type SyncPhase string

const (
	SyncPhaseFetching SyncPhase = "fetching"
	SyncPhaseSaving   SyncPhase = "saving"
	SyncPhaseDone     SyncPhase = "done"
)

type SyncProgress struct {
	UserID       string    `json:"user_id"`
	AccountEmail string    `json:"account_email"`
	ContactEmail string    `json:"contact_email"`
	Phase        SyncPhase `json:"phase"`
	Done         int       `json:"done"`
	Total        int       `json:"total"`
}

// =============================================================================
// Notifications (realtime)
// =============================================================================

type EventType string

const (
	EventEmailError      EventType = "email.error"
	EventSyncStatus      EventType = "email.sync_status"
	EventSyncProgress    EventType = "email.sync_progress"
	EventTimelineUpdated EventType = "email.timeline_updated"
)

type RealtimeEvent struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// OAuthAccount is a connected mailbox belonging to a user.
type OAuthAccount struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsConnected  bool      `json:"is_connected"`
}
