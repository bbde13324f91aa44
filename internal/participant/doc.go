// Package participant is the worker side of the cluster: an Agent that
// announces a node's liveness, applies the state transitions the controller
// sends it and writes back the node's current state.
//
// Transitions are idempotent. A message whose target state the replica
// already holds is deleted without effect, and a message that does not start
// from the replica's present state is discarded, so a duplicated or stale
// message can move a replica at most one step.
package participant
