package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store with the same write rules as BoltStore.
// Used by tests and throwaway single-process setups.
type MemStore struct {
	mu       sync.RWMutex
	data     map[Partition]map[string]string
	localID  string
	isLeader func() bool
}

// NewMemStore creates an empty in-memory store
func NewMemStore(localID string, isLeader func() bool) *MemStore {
	return &MemStore{
		data: map[Partition]map[string]string{
			PartitionNode:   {},
			PartitionShared: {},
			PartitionSecret: {},
		},
		localID:  localID,
		isLeader: isLeader,
	}
}

// Get returns the value for a key, or "" when absent
func (s *MemStore) Get(partition Partition, owner, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.data[partition]
	if !ok {
		return "", fmt.Errorf("unknown partition %q", partition)
	}
	return entries[owner+"/"+key], nil
}

// Put writes a value under the partition's write rule. An empty value
// deletes the key.
func (s *MemStore) Put(partition Partition, owner, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.data[partition]
	if !ok {
		return fmt.Errorf("unknown partition %q", partition)
	}

	if err := checkWriteRule(partition, owner, key, s.localID, s.isLeader()); err != nil {
		return err
	}

	if value == "" {
		delete(entries, owner+"/"+key)
		return nil
	}
	entries[owner+"/"+key] = value
	return nil
}

// Keys lists the keys present for one owner in a partition
func (s *MemStore) Keys(partition Partition, owner string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.data[partition]
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}

	var keys []string
	for entry := range entries {
		if rest, found := strings.CutPrefix(entry, owner+"/"); found {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Owners lists the owners with at least one key in a partition
func (s *MemStore) Owners(partition Partition) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.data[partition]
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}

	seen := make(map[string]bool)
	for entry := range entries {
		if owner, _, found := strings.Cut(entry, "/"); found {
			seen[owner] = true
		}
	}
	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

// Close is a no-op
func (s *MemStore) Close() error {
	return nil
}
