// Package spool implements the durable key->bytes store keyed by message id
// described in spec.md §4.1. Two Store variants are provided: a filesystem
// store with hashed directory fan-out (FSStore) and an embedded B-tree store
// (SQLiteStore) backed by modernc.org/sqlite. Both satisfy the same Store
// interface so the rest of the engine is agnostic to which is configured.
package spool

import (
	"context"

	"github.com/google/uuid"
)

// Kind distinguishes the meta-spool (envelope+metadata+scheduling) from the
// data-spool (body bytes). Both halves of a Message are stored under the
// same id but in separate namespaces so re-joining on startup is a simple
// keyed lookup (spec.md §4.1).
type Kind int

const (
	KindMeta Kind = iota
	KindData
)

// Entry is what Enumerate emits: either a loaded id+bytes pair, or — for
// anything that fails to read back — a Corrupt marker, never a silent drop,
// per spec.md §4.1. FSStore also moves an unreadable file aside under
// corrupt/; SQLiteStore leaves the row in its table.
type Entry struct {
	ID      uuid.UUID
	Bytes   []byte
	Corrupt *Corrupt
}

// Corrupt describes a spool entry that could not be read back cleanly.
type Corrupt struct {
	ID    uuid.UUID
	Error error
}

// Store is the pluggable key-value contract both spool variants implement.
type Store interface {
	// Load returns the bytes previously stored under id.
	Load(ctx context.Context, kind Kind, id uuid.UUID) ([]byte, error)

	// Store atomically replaces the bytes under id. If the store is
	// configured for durability, Store returns only after the write is
	// fsynced (spec.md §4.1 and the "Idempotence" testable property in
	// §8: store-then-load must round-trip byte for byte).
	Store(ctx context.Context, kind Kind, id uuid.UUID, data []byte) error

	// Remove deletes the entry for id. Remove is idempotent: calling it
	// again after a successful Remove is a no-op, never an error.
	Remove(ctx context.Context, kind Kind, id uuid.UUID) error

	// Enumerate emits every entry of the given kind to the returned
	// channel, unordered, then closes it. Used on startup to rebuild the
	// scheduled queues. The channel is bounded so a slow consumer
	// provides back-pressure to the enumeration walk rather than
	// buffering the whole spool in memory.
	Enumerate(ctx context.Context, kind Kind) (<-chan Entry, error)

	// Close releases any resources (file handles, database connections)
	// held by the store.
	Close() error
}
