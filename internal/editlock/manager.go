package editlock

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
)

// ErrLockConflict is returned when another user holds a usable lock.
var ErrLockConflict = errors.New("lock held by another user")

// Manager issues and maintains workspace locks. Per-cycle acquisition is
// serialized so two concurrent Acquire calls for the same cycle cannot both
// create a lock.
type Manager struct {
	cfg    Config
	store  *Store
	notify func(events.Event)
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	cycleMu map[string]*sync.Mutex

	hbMu          sync.Mutex
	hbStop        map[string]chan struct{}
	autoHeartbeat bool
}

// NewManager constructs a lock manager. notify may be nil. Automatic
// per-lock heartbeating is enabled; tests drive Heartbeat directly via
// SetAutoHeartbeat(false).
func NewManager(cfg Config, store *Store, notify func(events.Event), logger *zap.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ExtendOnActivity <= 0 {
		cfg.ExtendOnActivity = DefaultConfig().ExtendOnActivity
	}
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = DefaultConfig().MaxExtensions
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(events.Event) {}
	}
	return &Manager{
		cfg:           cfg,
		store:         store,
		notify:        notify,
		logger:        logger,
		now:           time.Now,
		cycleMu:       make(map[string]*sync.Mutex),
		hbStop:        make(map[string]chan struct{}),
		autoHeartbeat: true,
	}
}

// SetAutoHeartbeat toggles the per-lock heartbeat loop.
func (m *Manager) SetAutoHeartbeat(enabled bool) {
	m.hbMu.Lock()
	m.autoHeartbeat = enabled
	m.hbMu.Unlock()
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) lockForCycle(cycleID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.cycleMu[cycleID]
	if !ok {
		cm = &sync.Mutex{}
		m.cycleMu[cycleID] = cm
	}
	return cm
}

// Acquire takes a lock on a cycle's workspace. A usable lock held by the
// same user is refreshed and returned; one held by another user denies the
// request with the existing lock attached.
func (m *Manager) Acquire(cycleID, userID string, typ Type, scope Scope, files []string) (AcquireResult, error) {
	cm := m.lockForCycle(cycleID)
	cm.Lock()
	defer cm.Unlock()

	now := m.now().UTC()

	existing, found, err := m.store.ActiveForCycle(cycleID)
	if err != nil {
		return AcquireResult{}, err
	}
	if found && existing.Usable(now) {
		if existing.UserID == userID {
			if err := m.store.UpdateHeartbeat(existing.ID, now, existing.ExpiresAt, existing.ExtensionCount); err != nil && err != sql.ErrNoRows {
				return AcquireResult{}, err
			}
			existing.LastHeartbeat = now
			return AcquireResult{Acquired: true, Lock: &existing}, nil
		}
		m.notify(events.Event{
			Type:    events.LockDenied,
			Summary: fmt.Sprintf("lock on cycle %s denied for %s, held by %s", cycleID, userID, existing.UserID),
			Detail:  map[string]interface{}{"cycle_id": cycleID, "user_id": userID, "holder": existing.UserID},
		})
		return AcquireResult{
			Acquired: false,
			Existing: &existing,
			Reason:   fmt.Sprintf("cycle locked by %s until %s", existing.UserID, existing.ExpiresAt.Format(time.RFC3339)),
		}, ErrLockConflict
	}
	if found && !existing.Usable(now) {
		// Lapsed but never swept; retire it before issuing a fresh lock.
		if err := m.store.SetStatus(existing.ID, StatusExpired); err != nil && err != sql.ErrNoRows {
			return AcquireResult{}, err
		}
		m.stopHeartbeat(existing.ID)
	}

	lock := Lock{
		ID:            uuid.NewString(),
		CycleID:       cycleID,
		UserID:        userID,
		Type:          typ,
		Scope:         scope,
		Files:         files,
		Status:        StatusActive,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.cfg.Timeout),
		LastHeartbeat: now,
	}
	lock, err = m.store.Insert(lock)
	if err != nil {
		return AcquireResult{}, err
	}

	m.logger.Info("lock acquired",
		zap.String("lock_id", lock.ID),
		zap.String("cycle_id", cycleID),
		zap.String("user_id", userID),
		zap.String("type", string(typ)),
		zap.Time("expires_at", lock.ExpiresAt),
	)
	m.notify(events.Event{
		Type:    events.LockAcquired,
		Summary: fmt.Sprintf("lock acquired on cycle %s by %s", cycleID, userID),
		Detail:  map[string]interface{}{"lock_id": lock.ID, "cycle_id": cycleID, "user_id": userID},
	})

	m.startHeartbeat(lock.ID, userID)
	return AcquireResult{Acquired: true, Lock: &lock}, nil
}

// Heartbeat refreshes a lock. When the remaining lease drops below half the
// extension window and the extension ceiling has not been reached, the
// expiry is pushed out by the extension duration.
func (m *Manager) Heartbeat(lockID, userID string) (HeartbeatResult, error) {
	lock, found, err := m.store.Get(lockID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if !found {
		return HeartbeatResult{Reason: "lock not found"}, fmt.Errorf("lock not found: %s", lockID)
	}
	if lock.UserID != userID {
		return HeartbeatResult{Reason: "not lock owner"}, fmt.Errorf("lock %s not owned by %s", lockID, userID)
	}

	now := m.now().UTC()
	if !lock.Usable(now) {
		return HeartbeatResult{Reason: "lock not active"}, fmt.Errorf("lock %s is %s", lockID, lock.Status)
	}

	expiresAt := lock.ExpiresAt
	extCount := lock.ExtensionCount
	extended := false
	remaining := lock.ExpiresAt.Sub(now)
	if remaining < m.cfg.ExtendOnActivity/2 && lock.ExtensionCount < m.cfg.MaxExtensions {
		expiresAt = expiresAt.Add(m.cfg.ExtendOnActivity)
		extCount++
		extended = true
	}

	if err := m.store.UpdateHeartbeat(lockID, now, expiresAt, extCount); err != nil {
		if err == sql.ErrNoRows {
			return HeartbeatResult{Reason: "lock not active"}, fmt.Errorf("lock %s no longer active", lockID)
		}
		return HeartbeatResult{}, err
	}

	if extended {
		m.logger.Debug("lock extended",
			zap.String("lock_id", lockID),
			zap.Int("extension", extCount),
			zap.Time("expires_at", expiresAt),
		)
		m.notify(events.Event{
			Type:    events.LockExtended,
			Summary: fmt.Sprintf("lock %s extended (%d/%d)", lockID, extCount, m.cfg.MaxExtensions),
			Detail:  map[string]interface{}{"lock_id": lockID, "extension_count": extCount},
		})
	}
	return HeartbeatResult{OK: true, Extended: extended, ExpiresAt: expiresAt}, nil
}

// Release releases a lock. Only the owner may release; releasing an already
// released lock is a no-op.
func (m *Manager) Release(lockID, userID string) error {
	lock, found, err := m.store.Get(lockID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("lock not found: %s", lockID)
	}
	if lock.UserID != userID {
		return fmt.Errorf("lock %s not owned by %s", lockID, userID)
	}
	if lock.Status != StatusActive {
		return nil
	}

	if err := m.store.SetStatus(lockID, StatusReleased); err != nil && err != sql.ErrNoRows {
		return err
	}
	m.stopHeartbeat(lockID)
	m.notify(events.Event{
		Type:    events.LockReleased,
		Summary: fmt.Sprintf("lock %s released by %s", lockID, userID),
		Detail:  map[string]interface{}{"lock_id": lockID, "cycle_id": lock.CycleID},
	})
	return nil
}

// ForceRelease administratively releases a lock regardless of owner.
func (m *Manager) ForceRelease(lockID string) error {
	lock, found, err := m.store.Get(lockID)
	if err != nil {
		return err
	}
	if !found || lock.Status != StatusActive {
		m.stopHeartbeat(lockID)
		return nil
	}
	if err := m.store.SetStatus(lockID, StatusReleased); err != nil && err != sql.ErrNoRows {
		return err
	}
	m.stopHeartbeat(lockID)
	m.logger.Warn("lock force-released", zap.String("lock_id", lockID), zap.String("holder", lock.UserID))
	m.notify(events.Event{
		Type:    events.LockReleased,
		Summary: fmt.Sprintf("lock %s force-released", lockID),
		Detail:  map[string]interface{}{"lock_id": lockID, "cycle_id": lock.CycleID, "forced": true},
	})
	return nil
}

// SaveLocalBackup attaches a path -> content snapshot to the lock so the
// workspace can be recovered after a crash.
func (m *Manager) SaveLocalBackup(lockID string, files map[string]string) error {
	if err := m.store.SaveBackup(lockID, files); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("lock not found: %s", lockID)
		}
		return err
	}
	return nil
}

// ExpireStale retires every active lock past its expiry and returns the count.
func (m *Manager) ExpireStale() (int, error) {
	ids, err := m.store.ExpireStale(m.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.stopHeartbeat(id)
		m.notify(events.Event{
			Type:    events.LockExpired,
			Summary: fmt.Sprintf("lock %s expired", id),
			Detail:  map[string]interface{}{"lock_id": id},
		})
	}
	if len(ids) > 0 {
		m.logger.Info("expired stale locks", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Get returns a lock by ID.
func (m *Manager) Get(lockID string) (Lock, bool, error) {
	return m.store.Get(lockID)
}

// startHeartbeat runs the automatic heartbeat loop for one lock. The loop
// stops on release, expiry, or the first failed heartbeat.
func (m *Manager) startHeartbeat(lockID, userID string) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if !m.autoHeartbeat {
		return
	}
	if _, running := m.hbStop[lockID]; running {
		return
	}
	stop := make(chan struct{})
	m.hbStop[lockID] = stop

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := m.Heartbeat(lockID, userID); err != nil {
					m.logger.Debug("auto-heartbeat stopped", zap.String("lock_id", lockID), zap.Error(err))
					m.stopHeartbeat(lockID)
					return
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeat(lockID string) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if stop, ok := m.hbStop[lockID]; ok {
		close(stop)
		delete(m.hbStop, lockID)
	}
}

// Close stops all heartbeat loops.
func (m *Manager) Close() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	for id, stop := range m.hbStop {
		close(stop)
		delete(m.hbStop, id)
	}
}
