package restart

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/workload"
)

// KeyRestartLock is the shared-partition key holding the fleet restart lock
const KeyRestartLock = storage.KeyRestartLock

// Coordinator serializes service restarts across the fleet. At most one node
// restarts at a time: a node acquires the shared lock, flips its own
// service, and releases the lock whether or not the restart succeeded.
type Coordinator struct {
	store    storage.Store
	workload workload.Workload
	localID  string
	logger   zerolog.Logger
}

// NewCoordinator creates the restart coordinator for the local node
func NewCoordinator(store storage.Store, wl workload.Workload, localID string) *Coordinator {
	return &Coordinator{
		store:    store,
		workload: wl,
		localID:  localID,
		logger:   log.WithComponent("restart"),
	}
}

// Lock reads the current fleet restart lock
func (c *Coordinator) Lock() (types.RestartLock, error) {
	raw, err := c.store.Get(storage.PartitionShared, storage.SharedOwner, KeyRestartLock)
	if err != nil {
		return types.RestartLock{}, err
	}
	if raw == "" {
		return types.RestartLock{}, nil
	}

	var lock types.RestartLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return types.RestartLock{}, fmt.Errorf("parse restart lock: %w", err)
	}
	return lock, nil
}

// Acquire takes the fleet restart lock for the local node. A lock held by
// another node means a restart is in flight elsewhere and this node must
// come back later.
func (c *Coordinator) Acquire() error {
	lock, err := c.Lock()
	if err != nil {
		return err
	}
	if lock.Held() && lock.HeldBy != c.localID {
		return fmt.Errorf("%w: restart lock held by %s", types.ErrNotReady, lock.HeldBy)
	}

	raw, err := json.Marshal(types.RestartLock{HeldBy: c.localID, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal restart lock: %w", err)
	}
	return c.store.Put(storage.PartitionShared, storage.SharedOwner, KeyRestartLock, string(raw))
}

// Release drops the fleet restart lock if the local node holds it
func (c *Coordinator) Release() error {
	lock, err := c.Lock()
	if err != nil {
		return err
	}
	if !lock.Held() {
		return nil
	}
	if lock.HeldBy != c.localID {
		return fmt.Errorf("%w: restart lock held by %s", types.ErrPermissionDenied, lock.HeldBy)
	}
	return c.store.Put(storage.PartitionShared, storage.SharedOwner, KeyRestartLock, "")
}

// RollingRestart restarts the local service under the fleet lock. The
// service must have been active before: restarting a stopped service would
// mask a deeper failure. The lock is released regardless of outcome.
func (c *Coordinator) RollingRestart() error {
	if !c.workload.Active() {
		return fmt.Errorf("%w: service not running, refusing restart", types.ErrNotReady)
	}

	if err := c.Acquire(); err != nil {
		return err
	}
	c.logger.Info().Msg("restarting service under fleet lock")

	restartErr := c.workload.Restart()
	if err := c.Release(); err != nil {
		c.logger.Error().Err(err).Msg("failed to release restart lock")
		if restartErr == nil {
			return err
		}
	}
	if restartErr != nil {
		return fmt.Errorf("%w: restart service: %v", types.ErrDependency, restartErr)
	}
	return nil
}
