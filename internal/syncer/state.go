package syncer

import (
	"expvar"
	"time"
)

// ContentState sync state of one content item
type ContentState string

// content states
const (
	LocalOnly   ContentState = "local_only"   // never reached the remote side
	Synced      ContentState = "synced"       // local equals remote
	PendingSync ContentState = "pending_sync" // remote write in flight
	SyncFailed  ContentState = "sync_failed"  // queued, retry pending
)

// State overall sync indicator
type State string

// indicator states
const (
	StateOffline     State = "offline"
	StateSyncing     State = "syncing"
	StateSynced      State = "synced"
	StateFailing     State = "failing"      // queued writes keep failing or were dead-lettered
	StateAuthExpired State = "auth_expired" // user must log in again
)

// Status what the sync indicator shows
type Status struct {
	State        State     `json:"state"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	Pending      int       `json:"pending"`
	Dead         int       `json:"dead"`
	Degraded     bool      `json:"degraded"` // progress will not persist across reload
	LastError    string    `json:"last_error,omitempty"`
}

// SyncOptions .
type SyncOptions struct {
	// Force revive dead items and ignore retry backoff, used by manual sync
	Force bool
}

// SyncReport outcome of one sync pass
type SyncReport struct {
	Attempted int   `json:"attempted"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"` // backing off
	Dead      int   `json:"dead"`    // dead-lettered during this pass
	Revived   int   `json:"revived"`
	Remaining int   `json:"remaining"`
	Err       error `json:"-"` // why the pass stopped early
}

var stats = expvar.NewMap("sync")
