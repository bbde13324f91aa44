// Package election picks one controller per cluster.
//
// A Candidate takes a ticket on a Primitive and waits on its predecessor
// only, so a departing leader wakes exactly one waiter. The store-backed
// primitive keeps tickets as ephemeral-sequential nodes under the cluster's
// CONTROLLER/ELECTION path and records the winner at CONTROLLER/LEADER.
package election
