/*
Package types defines the core data structures used throughout Steward.

This package contains the fundamental types of Steward's domain model:
principals and permissions for the registry authorization file, per-node
TLS certificate lifecycle state, fleet membership, the restart lock, and
rendered-configuration snapshots. These types are used by all other packages
for state management and reconciliation logic.

The package also defines the error taxonomy shared across the reconciliation
core (ErrNotReady, ErrPermissionDenied, ErrValidation, ErrDependency) and the
externally visible status enumeration with its reporting priority.

All types are designed to be:
  - Serializable (JSON)
  - Immutable where possible (use pointers for updates)
  - Self-documenting (clear field names and constants for enums)
*/
package types
