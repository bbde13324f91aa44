// Package admin holds the operator commands: add-cluster, add-instance,
// add-resource, rebalance and their companions. None of them call into a
// controller. They change the store, and the controller of the cluster
// reacts through its subscriptions like it would to any other change.
package admin
