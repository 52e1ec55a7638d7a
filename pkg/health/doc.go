// Package health probes the external broker dependency. A probe is a slow
// network call and may fail transiently, so callers fold results into a
// retry-aware Status before acting on them.
package health
