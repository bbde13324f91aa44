// Package coordinator runs controllers: the processes that keep a cluster's
// replicas where its resources say they should be.
//
// # Pipeline
//
// ClusterController executes one pass at a time for one cluster:
//
//	refresh snapshot
//	  → reconcile subscriptions (one children watch per live instance queue)
//	  → compute ideal states (rebalancer)
//	  → write changed ideal states and external views
//	  → clean up stale messages
//	  → compute transitions (convergence engine)
//	  → dispatch messages
//
// Store notifications and a resync ticker trigger passes; notifications that
// arrive during a pass collapse into one follow-up pass. The context handed
// to Run stands for leadership: once it is cancelled the pass in progress
// makes no further store mutation and every subscription is released.
//
// # Modes
//
// Standalone takes a cluster's leader record through an election and runs
// its pipeline while it holds it.
//
// DistributedController joins a grand cluster as a participant. Each managed
// cluster is a one-partition LeaderStandby resource of the grand cluster;
// the controller holding its LEADER replica leads the managed cluster.
//
// Lifecycle records where a controller stands for one cluster and refuses
// moves outside the allowed edges:
//
//	Disconnected → StandaloneLeader | DistributedCandidate
//	StandaloneLeader → Disconnected
//	DistributedCandidate → DistributedLeader | Disconnected
//	DistributedLeader → DistributedCandidate | Disconnected
//
// Supervise reconnects either mode after its store session is lost, and
// HealthMonitor probes sessions for the health endpoint.
package coordinator
