/*
Package storage provides the BoltDB-backed shared state store coordinating
the Steward fleet.

The store exposes three partitions with distinct ownership rules:

	┌────────────── COORDINATION STORE ───────────────┐
	│                                                  │
	│  node    (owner = node id)                       │
	│    written only by the owning node               │
	│    readable by every node                        │
	│                                                  │
	│  shared  (owner = fleet)                         │
	│    written only by the elected leader            │
	│    readable by every node                        │
	│                                                  │
	│  secret  (owner = fleet)                         │
	│    like shared, but the partition holds only an  │
	│    opaque reference; the bytes live AES-256-GCM  │
	│    encrypted in the vault bucket                 │
	│                                                  │
	└──────────────────────────────────────────────────┘

Violating a write rule yields types.ErrPermissionDenied and the mutation is
dropped. Writing an empty value deletes the entry (and its vault bytes, for
secrets). There are no cross-key transactions: reconciliation logic reading
this store must be idempotent and tolerate staleness of up to one cycle.
*/
package storage
