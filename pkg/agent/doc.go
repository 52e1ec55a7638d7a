/*
Package agent is the event-driven core of Steward. Every notification from
the host environment funnels through a single Reconcile entry point, which
reads fleet state, applies the minimal set of writes to converge on it, and
reports the node's status.

Handlers are idempotent and never block on partial state: when the fleet is
not ready for an event the handler returns an error wrapping ErrNotReady and
the caller re-delivers the event later.
*/
package agent
