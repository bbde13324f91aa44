// Package convergence turns the gap between ideal and current state into
// state transition messages.
//
// The engine only ever asks a node for the next hop along the state model's
// shortest legal path, never the full jump. Everything is recomputed from the
// latest snapshot on every pass, so a lost or slow transition is simply
// asked for again once its message is gone.
package convergence
