// Package editlock serializes mutations to a development cycle's workspace
// through leased locks with heartbeat-driven extension and crash-safe
// workspace backups.
package editlock

import (
	"time"
)

// Type distinguishes what kind of mutation the lock guards.
type Type string

const (
	TypeEdit      Type = "edit"
	TypeEvolution Type = "evolution"
)

// Scope is the breadth of the lock.
type Scope string

const (
	ScopeFile    Scope = "file"
	ScopeProject Scope = "project"
)

// Status is the lock lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Lock is a lease over a development cycle's workspace.
type Lock struct {
	ID             string    `json:"id"`
	CycleID        string    `json:"cycle_id"`
	UserID         string    `json:"user_id"`
	Type           Type      `json:"type"`
	Scope          Scope     `json:"scope"`
	Files          []string  `json:"files,omitempty"`
	Status         Status    `json:"status"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ExtensionCount int       `json:"extension_count"`
	// Backup is an opaque path -> content map saved for crash recovery.
	Backup map[string]string `json:"backup,omitempty"`
}

// Usable reports whether the lock currently guards its workspace.
func (l Lock) Usable(now time.Time) bool {
	return l.Status == StatusActive && l.ExpiresAt.After(now)
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Acquired bool   `json:"acquired"`
	Lock     *Lock  `json:"lock,omitempty"`
	Existing *Lock  `json:"existing_lock,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// HeartbeatResult is the outcome of a Heartbeat call.
type HeartbeatResult struct {
	OK        bool      `json:"ok"`
	Extended  bool      `json:"extended"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Config tunes lock lifetimes.
type Config struct {
	// Timeout is the initial lease duration.
	Timeout time.Duration
	// ExtendOnActivity is the duration added per heartbeat-driven extension.
	ExtendOnActivity time.Duration
	// MaxExtensions caps total extensions, bounding a lock's lifetime to
	// Timeout + MaxExtensions*ExtendOnActivity.
	MaxExtensions int
	// HeartbeatInterval is the automatic heartbeat cadence. Must stay below
	// ExtendOnActivity/2 so extensions are always considered in time.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard lock parameters.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Minute,
		ExtendOnActivity:  5 * time.Minute,
		MaxExtensions:     6,
		HeartbeatInterval: 30 * time.Second,
	}
}
