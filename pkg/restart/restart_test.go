package restart

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

// fakeWorkload tracks service state transitions
type fakeWorkload struct {
	active   bool
	restarts int
	failNext bool
}

func (f *fakeWorkload) Start() error { f.active = true; return nil }
func (f *fakeWorkload) Stop() error  { f.active = false; return nil }
func (f *fakeWorkload) Active() bool { return f.active }

func (f *fakeWorkload) Restart() error {
	if f.failNext {
		f.failNext = false
		return errors.New("unit failed to restart")
	}
	f.restarts++
	return nil
}

func (f *fakeWorkload) Read(path string) (string, error) { return "", nil }
func (f *fakeWorkload) Write(path, content string) error { return nil }

func newTestCoordinator(t *testing.T, nodeID string, store *storage.MemStore) (*Coordinator, *fakeWorkload) {
	t.Helper()
	wl := &fakeWorkload{active: true}
	return NewCoordinator(store, wl, nodeID), wl
}

func TestAcquireRelease(t *testing.T) {
	store := storage.NewMemStore("node-0", func() bool { return true })
	coord, _ := newTestCoordinator(t, "node-0", store)

	if err := coord.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lock, err := coord.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.HeldBy != "node-0" {
		t.Errorf("lock held by %q, want node-0", lock.HeldBy)
	}

	if err := coord.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lock, err = coord.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.Held() {
		t.Errorf("lock still held after release: %+v", lock)
	}
}

func TestAcquireHeldElsewhere(t *testing.T) {
	store := storage.NewMemStore("node-0", func() bool { return true })
	coord, _ := newTestCoordinator(t, "node-0", store)

	// Another node holds the lock
	raw, _ := json.Marshal(types.RestartLock{HeldBy: "node-1", AcquiredAt: time.Now()})
	if err := store.Put(storage.PartitionShared, storage.SharedOwner, KeyRestartLock, string(raw)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if err := coord.Acquire(); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := coord.Release(); !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied releasing foreign lock, got %v", err)
	}
}

func TestRollingRestart(t *testing.T) {
	store := storage.NewMemStore("node-0", func() bool { return true })
	coord, wl := newTestCoordinator(t, "node-0", store)

	if err := coord.RollingRestart(); err != nil {
		t.Fatalf("RollingRestart: %v", err)
	}
	if wl.restarts != 1 {
		t.Errorf("expected one restart, got %d", wl.restarts)
	}

	lock, err := coord.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.Held() {
		t.Error("lock survived a successful restart")
	}
}

func TestFollowerAcquiresAndReleasesLock(t *testing.T) {
	store := storage.NewMemStore("node-1", func() bool { return false })
	coord, _ := newTestCoordinator(t, "node-1", store)

	// The restart lock is the one shared entry any node may write
	if err := coord.Acquire(); err != nil {
		t.Fatalf("Acquire on follower: %v", err)
	}
	lock, err := coord.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.HeldBy != "node-1" {
		t.Errorf("lock held by %q, want node-1", lock.HeldBy)
	}
	if err := coord.Release(); err != nil {
		t.Fatalf("Release on follower: %v", err)
	}
}

func TestFollowerRollingRestart(t *testing.T) {
	store := storage.NewMemStore("node-1", func() bool { return false })
	coord, wl := newTestCoordinator(t, "node-1", store)

	if err := coord.RollingRestart(); err != nil {
		t.Fatalf("RollingRestart on follower: %v", err)
	}
	if wl.restarts != 1 {
		t.Errorf("expected one restart, got %d", wl.restarts)
	}

	lock, err := coord.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.Held() {
		t.Error("lock survived a successful restart")
	}
}

func TestRollingRestartRefusesStoppedService(t *testing.T) {
	store := storage.NewMemStore("node-0", func() bool { return true })
	coord, wl := newTestCoordinator(t, "node-0", store)
	wl.active = false

	if err := coord.RollingRestart(); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("expected ErrNotReady for stopped service, got %v", err)
	}
	if wl.restarts != 0 {
		t.Error("stopped service was restarted")
	}
}

func TestRollingRestartReleasesLockOnFailure(t *testing.T) {
	store := storage.NewMemStore("node-0", func() bool { return true })
	coord, wl := newTestCoordinator(t, "node-0", store)
	wl.failNext = true

	err := coord.RollingRestart()
	if !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected ErrDependency, got %v", err)
	}

	lock, lockErr := coord.Lock()
	if lockErr != nil {
		t.Fatalf("Lock: %v", lockErr)
	}
	if lock.Held() {
		t.Error("lock survived a failed restart")
	}
}
