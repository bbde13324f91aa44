// Package cluster defines the data model shared by every converge component:
// the records stored in the metadata store, the paths they live at, and the
// state models that govern how a partition replica moves between roles.
//
// # Overview
//
// A cluster is a namespace in the metadata store. Operators create instances
// (worker nodes) and resources (partitioned logical datasets); the controller
// computes where every partition replica should live and in which role, and
// each node reports back what it actually holds.
//
//	              ┌────────────────────┐
//	              │     Controller     │
//	              │  ideal state       │
//	              │  external view     │
//	              └─────────┬──────────┘
//	                        │ MESSAGES
//	      ┌─────────────────┼─────────────────┐
//	      │                 │                 │
//	┌─────▼─────┐     ┌─────▼─────┐     ┌─────▼─────┐
//	│  node_1   │     │  node_2   │     │  node_3   │
//	│ CURRENT   │     │ CURRENT   │     │ CURRENT   │
//	│ STATE     │     │ STATE     │     │ STATE     │
//	└───────────┘     └───────────┘     └───────────┘
//
// # Records
//
// InstanceConfig and ResourceConfig are written by administrative actions.
// LiveInstance is an ephemeral marker tied to a node's store session.
// IdealState and ExternalView are derived by the controller. CurrentState is
// owned by the node. Message is a single-step instruction from the controller
// to one node session.
//
// All records are JSON encoded (Encode / Decode).
//
// # State Models
//
// StateModelDefinition describes a finite state machine as data. The built-in
// MasterSlave, LeaderStandby and OnlineOffline models are installed by
// add-cluster; any other model can be added by writing its definition to
// STATEMODELDEFS. NextState walks the legal edges so the controller only ever
// asks a node to take one step at a time.
//
// # Paths
//
// See paths.go for the full layout. Instance identifiers are derived from
// "host:port" by InstanceName ("localhost:12918" → "localhost_12918").
//
// # HTTP Helpers
//
// PostJSON and GetJSON are small JSON-over-HTTP helpers used by the operator
// CLI to talk to the admin API.
package cluster
