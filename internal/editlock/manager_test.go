package editlock

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chronos-ops/chronos/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := NewManager(cfg, store, nil, nil)
	m.SetAutoHeartbeat(false)
	t.Cleanup(m.Close)

	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	m.SetClock(clock.Now)
	return m, clock
}

func TestAcquireAndRefresh(t *testing.T) {
	m, clock := newTestManager(t, DefaultConfig())

	res, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil || !res.Acquired {
		t.Fatalf("acquire: acquired=%v err=%v", res.Acquired, err)
	}
	if got := res.Lock.ExpiresAt; !got.Equal(clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("expiry = %v", got)
	}

	// Same user re-acquires: existing lock refreshed, not a new one.
	clock.Advance(time.Minute)
	again, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil || !again.Acquired {
		t.Fatalf("re-acquire: acquired=%v err=%v", again.Acquired, err)
	}
	if again.Lock.ID != res.Lock.ID {
		t.Fatal("same-user acquire should return the existing lock")
	}
	if !again.Lock.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("heartbeat not refreshed: %v", again.Lock.LastHeartbeat)
	}
}

func TestAcquireDeniedForOtherUser(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	if _, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil); err != nil {
		t.Fatal(err)
	}
	res, err := m.Acquire("cycle-1", "bob", TypeEdit, ScopeProject, nil)
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected ErrLockConflict, got %v", err)
	}
	if res.Acquired || res.Existing == nil || res.Existing.UserID != "alice" {
		t.Fatalf("denial should carry the existing lock: %+v", res)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	m, clock := newTestManager(t, DefaultConfig())

	first, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(31 * time.Minute)

	res, err := m.Acquire("cycle-1", "bob", TypeEdit, ScopeProject, nil)
	if err != nil || !res.Acquired {
		t.Fatalf("acquire over expired lock: acquired=%v err=%v", res.Acquired, err)
	}
	if res.Lock.ID == first.Lock.ID {
		t.Fatal("expected a fresh lock")
	}

	old, _, err := m.Get(first.Lock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != StatusExpired {
		t.Fatalf("lapsed lock status = %s, want expired", old.Status)
	}
}

func TestHeartbeatExtensionCeiling(t *testing.T) {
	m, clock := newTestManager(t, Config{
		Timeout:           30 * time.Minute,
		ExtendOnActivity:  5 * time.Minute,
		MaxExtensions:     6,
		HeartbeatInterval: 30 * time.Second,
	})

	res, err := m.Acquire("cycle-s4", "alice", TypeEdit, ScopeProject, nil)
	if err != nil {
		t.Fatal(err)
	}
	lockID := res.Lock.ID
	acquiredAt := res.Lock.AcquiredAt

	// Heartbeat every 30s for 65 minutes of fake time.
	extensions := 0
	for i := 0; i < 130; i++ {
		clock.Advance(30 * time.Second)
		hb, err := m.Heartbeat(lockID, "alice")
		if err != nil {
			break // lock expired, loop ends
		}
		if hb.Extended {
			extensions++
		}
	}

	if extensions != 6 {
		t.Fatalf("extensions = %d, want 6", extensions)
	}

	lock, _, err := m.Get(lockID)
	if err != nil {
		t.Fatal(err)
	}
	wantExpiry := acquiredAt.Add(60 * time.Minute) // 30min + 6*5min
	if !lock.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("final expiry = %v, want %v", lock.ExpiresAt, wantExpiry)
	}
	if lock.ExtensionCount != 6 {
		t.Fatalf("extension count = %d, want 6", lock.ExtensionCount)
	}

	// Past the hard ceiling the lock is unusable.
	if lock.Usable(acquiredAt.Add(61 * time.Minute)) {
		t.Fatal("lock should be unusable after the lifetime bound")
	}
}

func TestHeartbeatOwnershipAndStatus(t *testing.T) {
	m, clock := newTestManager(t, DefaultConfig())

	res, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Heartbeat(res.Lock.ID, "bob"); err == nil {
		t.Fatal("non-owner heartbeat should fail")
	}
	if _, err := m.Heartbeat("missing", "alice"); err == nil {
		t.Fatal("heartbeat on missing lock should fail")
	}

	clock.Advance(31 * time.Minute)
	if _, err := m.Heartbeat(res.Lock.ID, "alice"); err == nil {
		t.Fatal("heartbeat on expired lock should fail")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	res, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(res.Lock.ID, "bob"); err == nil {
		t.Fatal("non-owner release should fail")
	}
	if err := m.Release(res.Lock.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(res.Lock.ID, "alice"); err != nil {
		t.Fatalf("repeat release should be a no-op: %v", err)
	}

	lock, _, err := m.Get(res.Lock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lock.Status != StatusReleased {
		t.Fatalf("status = %s, want released", lock.Status)
	}
}

func TestForceRelease(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	res, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeProject, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ForceRelease(res.Lock.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.ForceRelease("missing"); err != nil {
		t.Fatalf("force release of unknown lock should succeed: %v", err)
	}

	lock, _, err := m.Get(res.Lock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lock.Status != StatusReleased {
		t.Fatalf("status = %s, want released", lock.Status)
	}
}

func TestSaveLocalBackup(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	res, err := m.Acquire("cycle-1", "alice", TypeEdit, ScopeFile, []string{"src/app.ts"})
	if err != nil {
		t.Fatal(err)
	}
	backup := map[string]string{"src/app.ts": "console.log('wip')"}
	if err := m.SaveLocalBackup(res.Lock.ID, backup); err != nil {
		t.Fatal(err)
	}

	lock, _, err := m.Get(res.Lock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lock.Backup["src/app.ts"] != "console.log('wip')" {
		t.Fatalf("backup round-trip: %v", lock.Backup)
	}

	if err := m.SaveLocalBackup("missing", backup); err == nil {
		t.Fatal("backup on missing lock should fail")
	}
}

func TestExpireStale(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var (
		mu      sync.Mutex
		expired []events.Event
	)
	m := NewManager(DefaultConfig(), store, func(e events.Event) {
		if e.Type == events.LockExpired {
			mu.Lock()
			expired = append(expired, e)
			mu.Unlock()
		}
	}, nil)
	m.SetAutoHeartbeat(false)
	t.Cleanup(m.Close)

	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	m.SetClock(clock.Now)

	if _, err := m.Acquire("cycle-a", "alice", TypeEdit, ScopeProject, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire("cycle-b", "bob", TypeEvolution, ScopeProject, nil); err != nil {
		t.Fatal(err)
	}

	// Nothing stale yet.
	n, err := m.ExpireStale()
	if err != nil || n != 0 {
		t.Fatalf("expire fresh locks: n=%d err=%v", n, err)
	}

	clock.Advance(31 * time.Minute)
	n, err = m.ExpireStale()
	if err != nil || n != 2 {
		t.Fatalf("expire stale: n=%d err=%v", n, err)
	}

	// Idempotent.
	n, err = m.ExpireStale()
	if err != nil || n != 0 {
		t.Fatalf("repeat expire: n=%d err=%v", n, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 2 {
		t.Fatalf("expected 2 lock:expired events, got %d", len(expired))
	}
}
