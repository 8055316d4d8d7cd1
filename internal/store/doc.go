// ABOUTME: Package documentation for store
// ABOUTME: Persistence layer contract and implementations

// Package store is the persistence collaborator: conversations, their
// immutable message history, and registered tool servers. Message history is
// the source of truth; caches elsewhere (memory manager, discovery cache) are
// rebuildable from it. Two implementations are provided: SQLiteStore for
// production and MockStore for tests.
package store
