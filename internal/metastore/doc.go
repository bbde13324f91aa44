// Package metastore provides the hierarchical, watch-capable, session-based
// metadata store every controller and node coordinates through.
//
// The store is a tree of nodes addressed by absolute slash-separated paths.
// Nodes are persistent, ephemeral (removed with the session that created
// them) or ephemeral-sequential (ephemeral, with a per-parent counter
// appended to the name). Ephemeral nodes back liveness markers and leader
// election tickets.
//
// Watches are registered per path and kind (data or children) and stay armed
// after every delivery until cancelled, so holders never have to re-register
// after a fire. A watch may be placed on a path that does not exist yet.
// Server.NumberOfListeners reports how many watches are armed on a path,
// which is how tests assert that a node is neither orphaned nor watched twice.
//
// Client is the interface consumers depend on; Session is the only
// implementation and is obtained from Server.Connect.
package metastore
