// Package restart serializes service restarts across the fleet through a
// shared lock, so at most one node is down at any moment. The lock is held
// only around the restart itself, never across slow external calls.
package restart
