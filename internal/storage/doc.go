// Package storage provides the durable backend behind the metadata store's
// persistent nodes.
//
// # Overview
//
// The metadata store keeps its tree in memory and writes every persistent
// node through to a Store. On start it reloads the tree from the Store, so
// clusters, instances, resources and state model definitions survive a
// restart. Ephemeral nodes (liveness markers, election tickets) are never
// written here: they die with their session by definition.
//
//	┌─────────────────────────────────────┐
//	│         metastore.Server            │
//	│   (tree, sessions, watches)         │
//	└─────────────────────────────────────┘
//	                 │ persistent nodes only
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐   ┌──────────────┐
//	│ MemoryStore  │   │ BadgerStore  │
//	│ (tests)      │   │ (data dir)   │
//	└──────────────┘   └──────────────┘
//
// # Contract
//
// Keys are absolute node paths. List(prefix) returns keys in lexical order,
// which means parents always come before their children; the metadata store
// relies on that when it rebuilds the tree.
//
// All implementations are safe for concurrent use and return
// ErrKeyNotFound for missing keys and ErrClosed after Close.
package storage
