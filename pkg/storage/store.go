package storage

import (
	"fmt"

	"github.com/cuemby/steward/pkg/types"
)

// Partition identifies one of the three ownership domains in the shared
// coordination store.
type Partition string

const (
	// PartitionNode holds entries owned by exactly one node. Only the owning
	// node may write; every node may read.
	PartitionNode Partition = "node"

	// PartitionShared holds entries owned by the group as a whole. Only the
	// elected leader may write.
	PartitionShared Partition = "shared"

	// PartitionSecret behaves like PartitionShared, but values are stored
	// indirected: the partition holds an opaque reference and the bytes live
	// encrypted in the vault. Plaintext never reaches the other partitions.
	PartitionSecret Partition = "secret"
)

// SharedOwner is the owner id used for group-scoped entries
const SharedOwner = "fleet"

// KeyRestartLock is the shared-partition key holding the fleet restart lock.
// It is the one fleet-wide mutex: any node may take or release it, so it is
// exempt from the leader-only rule below.
const KeyRestartLock = "restart-lock"

// Store is the typed contract over the coordination substrate.
//
// Reads return the last locally observed value and may be stale by up to one
// reconciliation cycle. There are no cross-key transactions: callers must be
// idempotent and safe to retry under partial application.
type Store interface {
	// Get returns the value for (partition, owner, key), or "" when absent
	Get(partition Partition, owner, key string) (string, error)

	// Put writes a value. An empty value deletes the entry. Returns an error
	// wrapping types.ErrPermissionDenied when the caller does not own the
	// (partition, owner) combination.
	Put(partition Partition, owner, key, value string) error

	// Keys lists the keys present for (partition, owner)
	Keys(partition Partition, owner string) ([]string, error)

	// Owners lists the owner ids with at least one entry in the partition
	Owners(partition Partition) ([]string, error)

	// Close releases the underlying database
	Close() error
}

// checkWriteRule enforces the single-writer invariant per partition entry.
// Every Store implementation runs the same rule: node entries are written
// only by their owner, shared and secret entries only by the leader, with
// the restart lock as the sole exception.
func checkWriteRule(partition Partition, owner, key, localID string, isLeader bool) error {
	switch partition {
	case PartitionNode:
		if owner != localID {
			return fmt.Errorf("%w: node %s cannot write node partition of %s",
				types.ErrPermissionDenied, localID, owner)
		}
	case PartitionShared:
		if key == KeyRestartLock {
			return nil
		}
		if !isLeader {
			return fmt.Errorf("%w: %s partition writes accepted only from the leader",
				types.ErrPermissionDenied, partition)
		}
	case PartitionSecret:
		if !isLeader {
			return fmt.Errorf("%w: %s partition writes accepted only from the leader",
				types.ErrPermissionDenied, partition)
		}
	default:
		return fmt.Errorf("unknown partition %q", partition)
	}
	return nil
}
