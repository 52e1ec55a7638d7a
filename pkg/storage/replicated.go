package storage

import "fmt"

// ReplicatedStore routes writes through the replication log so every node
// converges on the same contents. The leader proposes directly; followers
// forward their permitted writes to the leader. Reads come from the local
// engine and may trail the log by one apply.
type ReplicatedStore struct {
	engine   *BoltStore
	localID  string
	isLeader func() bool
	propose  func(data []byte) error
	forward  func(data []byte) error
}

// NewReplicatedStore wraps the local engine with log-based write routing.
// propose submits a command to the replication log and must only be called on
// the leader; forward delivers a command to the current leader from anywhere.
func NewReplicatedStore(engine *BoltStore, localID string, isLeader func() bool, propose, forward func(data []byte) error) *ReplicatedStore {
	return &ReplicatedStore{
		engine:   engine,
		localID:  localID,
		isLeader: isLeader,
		propose:  propose,
		forward:  forward,
	}
}

// Get reads the last locally applied value
func (s *ReplicatedStore) Get(partition Partition, owner, key string) (string, error) {
	return s.engine.Get(partition, owner, key)
}

// Put replicates a write. Write rules run here, at the proposing node, and
// again at the leader for forwarded commands. Secrets are sealed before the
// command is built so plaintext never enters the log.
func (s *ReplicatedStore) Put(partition Partition, owner, key, value string) error {
	if err := checkWriteRule(partition, owner, key, s.localID, s.isLeader()); err != nil {
		return err
	}

	cmd := command{Partition: partition, Owner: owner, Key: key, Value: value}
	if partition == PartitionSecret && value != "" {
		sealed, err := s.engine.SealSecret(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt secret %s: %w", key, err)
		}
		cmd.Value = ""
		cmd.Sealed = sealed
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}

	if s.isLeader() {
		return s.propose(data)
	}
	return s.forward(data)
}

// Keys lists the keys present for (partition, owner)
func (s *ReplicatedStore) Keys(partition Partition, owner string) ([]string, error) {
	return s.engine.Keys(partition, owner)
}

// Owners lists the owner ids holding at least one entry in the partition
func (s *ReplicatedStore) Owners(partition Partition) ([]string, error) {
	return s.engine.Owners(partition)
}

// Close closes the local engine
func (s *ReplicatedStore) Close() error {
	return s.engine.Close()
}
