// Package cache keeps the controller's in-memory picture of a cluster.
//
// A Snapshot is read from the metadata store in one pass and never mutated
// afterwards. Cache.Refresh builds a new snapshot and swaps it in with an
// atomic pointer store, so a pipeline pass that grabbed a snapshot keeps a
// consistent view even while the next refresh is running.
//
// Store read failures are retried with capped exponential backoff. When the
// retries run out the last good snapshot stays current and is handed back
// alongside the error.
package cache
