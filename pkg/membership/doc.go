/*
Package membership computes the current fleet membership and the external
broker's readiness from the shared state store.

The view is strictly read-side. Node membership is derived by set-difference
against the node partition's visible owners (there is no reliable departure
signal), broker readiness from the completeness of its advertised connection
facts, and the security posture from the fleet and broker TLS flags. A
posture mismatch is fatal-until-resolved: reconciliation must not proceed
while the two sides disagree about encryption.
*/
package membership
