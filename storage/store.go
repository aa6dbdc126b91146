// Package storage implements the document stores the sync controller mirrors.
package storage

import (
	"context"
	"errors"

	"lifecenter/domain"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConcurrencyConflict is returned when a conditional write lost a race
	// and the retry budget was exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// SnapshotFunc receives the full, current list of records of a collection.
type SnapshotFunc func([]domain.Record)

// Store is a per-owner document store. Records use camelCase field names on
// this side of the boundary.
type Store interface {
	// Fetch returns the owner's records ordered by descending createdAt.
	Fetch(ctx context.Context, c domain.Collection, owner string) ([]domain.Record, error)
	// Add inserts rec and returns the store-assigned id.
	Add(ctx context.Context, c domain.Collection, owner string, rec domain.Record) (string, error)
	// Update merges partial into the existing record. Nil values clear fields.
	Update(ctx context.Context, c domain.Collection, id string, partial domain.Record) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, c domain.Collection, id string) error
	// Subscribe delivers an initial snapshot and then one snapshot per change.
	// Delivery is at-least-once and bursts may be coalesced.
	Subscribe(ctx context.Context, c domain.Collection, owner string, fn SnapshotFunc) (func(), error)
}
