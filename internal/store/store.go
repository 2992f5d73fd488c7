// Package store implements the keyed record store and append-only event
// log that every other component of the orchestrator depends on.
//
// It is the sole owner of durable state: components read snapshots and
// submit updates through the Store interface; no component keeps another
// component's in-memory copy of a record.
package store

import (
	"context"
	"time"
)

// Fields is a flat string-keyed record. Callers encode structured values
// (timestamps, numbers, JSON blobs) as strings; the store itself is
// schema-agnostic, matching the "keyed records" contract rather than a
// typed ORM layer.
type Fields map[string]string

// Entry is one append-only log record. ID increases monotonically within
// a single Stream.
type Entry struct {
	ID        int64
	Stream    string
	Fields    Fields
	CreatedAt time.Time
}

// Store is the keyed-record + append-only-log contract every component
// depends on (spec §4.1). Implementations must make addToSet/removeFromSet
// atomic with respect to concurrent callers, and must never rewrite or
// drop an acknowledged append.
type Store interface {
	// Put creates or fully replaces the fields of key.
	Put(ctx context.Context, key string, fields Fields) error

	// Get returns the fields of key, or ok=false if key does not exist.
	Get(ctx context.Context, key string) (fields Fields, ok bool, err error)

	// UpdateFields merges delta into the existing fields of key, creating
	// the record if it does not exist yet.
	UpdateFields(ctx context.Context, key string, delta Fields) error

	// AddToSet adds member to the set at key. Idempotent.
	AddToSet(ctx context.Context, key, member string) error

	// RemoveFromSet removes member from the set at key. Idempotent.
	RemoveFromSet(ctx context.Context, key, member string) error

	// Members returns the current members of the set at key.
	Members(ctx context.Context, key string) ([]string, error)

	// Append appends fields to stream and returns the entry's id.
	Append(ctx context.Context, stream string, fields Fields) (int64, error)

	// ReadFrom returns up to maxCount entries of stream with id > lastID,
	// in ascending id order. If no entries are immediately available and
	// blockFor > 0, ReadFrom polls until an entry appears, blockFor
	// elapses, or ctx is canceled.
	ReadFrom(ctx context.Context, stream string, lastID int64, maxCount int, blockFor time.Duration) ([]Entry, error)

	// Close releases underlying resources (e.g. the database handle).
	Close() error
}
