// Package storage defines the session record schema and the SessionStore
// interface implemented by the in-memory and Redis backends.
//
// The per-user index is a derived structure: it holds session IDs only and is
// maintained as a strict mirror of the primary record map. Expiry is checked
// lazily on every read and reclaimed eagerly by the background sweep; both
// paths compare against the same ExpiresAt field.
package storage
