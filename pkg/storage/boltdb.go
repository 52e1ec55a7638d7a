package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/steward/pkg/security"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names, one per partition plus the secret vault
	bucketNode   = []byte("node")
	bucketShared = []byte("shared")
	bucketSecret = []byte("secret")
	bucketVault  = []byte("vault")
)

// BoltStore implements Store using BoltDB. Write-rule enforcement happens
// here: the node partition accepts writes only from the owning node, the
// shared and secret partitions only from the elected leader.
type BoltStore struct {
	db       *bolt.DB
	localID  string
	isLeader func() bool
	cipher   *security.SecretsManager
}

// NewBoltStore opens (or creates) the coordination database.
//
// localID identifies the node this process runs as; isLeader reports current
// leadership and is consulted on every shared/secret write, since leadership
// can move between reconciliation passes. cipher encrypts vault entries.
func NewBoltStore(dataDir, localID string, isLeader func() bool, cipher *security.SecretsManager) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "steward.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketNode, bucketShared, bucketSecret, bucketVault}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		localID:  localID,
		isLeader: isLeader,
		cipher:   cipher,
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the stored value, or "" when absent. Secret-partition reads
// resolve the vault reference and decrypt transparently.
func (s *BoltStore) Get(partition Partition, owner, key string) (string, error) {
	bucket, err := bucketFor(partition)
	if err != nil {
		return "", err
	}

	var value []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(entryKey(owner, key))
		if data == nil {
			return nil
		}
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}

	if partition == PartitionSecret {
		return s.resolveSecret(string(value))
	}
	return string(value), nil
}

// Put writes, or deletes when value is empty. The vault entry for a secret is
// created or replaced in the same transaction as its reference, so a
// reference never points at missing bytes.
func (s *BoltStore) Put(partition Partition, owner, key, value string) error {
	if err := checkWriteRule(partition, owner, key, s.localID, s.isLeader()); err != nil {
		return err
	}

	if partition == PartitionSecret && value != "" {
		sealed, err := s.SealSecret(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt secret %s: %w", key, err)
		}
		return s.applySealed(owner, key, sealed)
	}
	return s.applyPlain(partition, owner, key, value)
}

// SealSecret encrypts a secret value into the form vault entries are stored
// in. Replicated writes carry sealed bytes so plaintext never enters the log.
func (s *BoltStore) SealSecret(value string) ([]byte, error) {
	return s.cipher.EncryptSecret([]byte(value))
}

// applyPlain writes or deletes an entry without write-rule checks. The rules
// run at the proposing seam; this is the landing side.
func (s *BoltStore) applyPlain(partition Partition, owner, key, value string) error {
	bucket, err := bucketFor(partition)
	if err != nil {
		return err
	}
	if value == "" {
		return s.delete(partition, bucket, owner, key)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(entryKey(owner, key), []byte(value))
	})
}

// applySealed lands an already-encrypted secret: the vault entry and its
// reference are written in one transaction.
func (s *BoltStore) applySealed(owner, key string, sealed []byte) error {
	vaultRef := "secret-" + uuid.NewString()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecret)
		// Drop the superseded vault entry, if any
		if old := b.Get(entryKey(owner, key)); old != nil {
			if err := tx.Bucket(bucketVault).Delete(old); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketVault).Put([]byte(vaultRef), sealed); err != nil {
			return err
		}
		return b.Put(entryKey(owner, key), []byte(vaultRef))
	})
}

// Keys lists the keys present for (partition, owner)
func (s *BoltStore) Keys(partition Partition, owner string) ([]string, error) {
	bucket, err := bucketFor(partition)
	if err != nil {
		return nil, err
	}

	prefix := entryKey(owner, "")
	var keys []string
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, strings.TrimPrefix(string(k), string(prefix)))
		}
		return nil
	})
	return keys, err
}

// Owners lists the owner ids holding at least one entry in the partition
func (s *BoltStore) Owners(partition Partition) ([]string, error) {
	bucket, err := bucketFor(partition)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var owners []string
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			owner, _, found := strings.Cut(string(k), "/")
			if found && !seen[owner] {
				seen[owner] = true
				owners = append(owners, owner)
			}
			return nil
		})
	})
	return owners, err
}

func (s *BoltStore) delete(partition Partition, bucket []byte, owner, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if partition == PartitionSecret {
			if ref := b.Get(entryKey(owner, key)); ref != nil {
				if err := tx.Bucket(bucketVault).Delete(ref); err != nil {
					return err
				}
			}
		}
		return b.Delete(entryKey(owner, key))
	})
}

// resolveSecret follows a vault reference and decrypts the stored bytes
func (s *BoltStore) resolveSecret(ref string) (string, error) {
	var encrypted []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVault).Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("vault entry not found: %s", ref)
		}
		encrypted = make([]byte, len(data))
		copy(encrypted, data)
		return nil
	})
	if err != nil {
		return "", err
	}

	plaintext, err := s.cipher.DecryptSecret(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt vault entry %s: %w", ref, err)
	}
	return string(plaintext), nil
}

func bucketFor(partition Partition) ([]byte, error) {
	switch partition {
	case PartitionNode:
		return bucketNode, nil
	case PartitionShared:
		return bucketShared, nil
	case PartitionSecret:
		return bucketSecret, nil
	default:
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
}

func entryKey(owner, key string) []byte {
	return []byte(owner + "/" + key)
}

// Export dumps every bucket as raw bytes. Secret values stay as vault
// references and vault entries stay ciphertext, so a snapshot never carries
// plaintext secrets.
func (s *BoltStore) Export() (map[string]map[string][]byte, error) {
	dump := map[string]map[string][]byte{}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNode, bucketShared, bucketSecret, bucketVault} {
			entries := map[string][]byte{}
			err := tx.Bucket(name).ForEach(func(k, v []byte) error {
				value := make([]byte, len(v))
				copy(value, v)
				entries[string(k)] = value
				return nil
			})
			if err != nil {
				return err
			}
			dump[string(name)] = entries
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

// Import replaces the store contents with a dump produced by Export
func (s *BoltStore) Import(dump map[string]map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNode, bucketShared, bucketSecret, bucketVault} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return err
			}
			for k, v := range dump[string(name)] {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
