// Package rebalancer computes ideal states: for every partition of a
// resource, the ordered list of live nodes that should host it and the
// state each of them should reach.
//
// Placement policy is pluggable through Strategy. Two strategies ship:
// Balanced (the default) and Consistent. Roles are not a strategy concern;
// they follow from the resource's state model, handing the highest-priority
// states to the front of each list up to each state's bound.
//
// Ties between equally good candidates are always broken by lexical node
// name, so the output depends only on the live-node set, the resource
// configuration and the previous ideal state.
package rebalancer
