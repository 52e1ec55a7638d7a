// Package election answers "does this node lead the fleet". The Raft-backed
// elector runs an election-only Raft group; the static elector serves tests
// and single-node deployments.
package election
