package types

import "errors"

// Error taxonomy for the reconciliation core. Callers classify failures with
// errors.Is against these sentinels; everything else is treated as fatal by
// the caller's own policy.
var (
	// ErrNotReady signals an unmet precondition. Never fatal: the host
	// collaborator re-delivers the triggering event later.
	ErrNotReady = errors.New("not ready")

	// ErrPermissionDenied signals a write attempted on a partition/owner
	// combination the caller does not own. The mutation is dropped.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation signals rejected input. No state change occurs.
	ErrValidation = errors.New("validation failed")

	// ErrDependency signals a transient failure of an external collaborator
	// (hashing utility, certificate authority, broker probe). Prior state is
	// retained and the reconciliation pass ends early.
	ErrDependency = errors.New("dependency failure")
)
