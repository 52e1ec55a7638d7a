// Package events carries notifications from the host environment to the
// agent's reconcile loop. Events the fleet is not ready for are requeued
// and re-delivered later rather than dropped.
package events
