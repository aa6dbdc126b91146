package syncer

import (
	"context"
	"errors"
	"fmt"

	"lifecenter/domain"
	"lifecenter/schedule"
)

var (
	// ErrUnknownEntity is returned synchronously for updates and deletes of
	// ids the controller does not hold.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("sync controller closed")
	// ErrDiscarded settles tickets of edits that were queued behind an add
	// that failed to persist.
	ErrDiscarded = errors.New("discarded: entity was never created")
	// ErrConflict matches the advisory *schedule.ConflictError returned for
	// unconfirmed overlapping time blocks.
	ErrConflict = schedule.ErrConflict
)

// Kind is the type of a mutation.
type Kind int

const (
	KindAdd Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mutation is a single write against one entity.
type Mutation struct {
	Kind       Kind
	Collection domain.Collection
	// ID targets updates and deletes. Temporary ids returned for adds are
	// accepted.
	ID string
	// Record is the full record for adds and the partial record for updates.
	// Nil values in a partial clear the field.
	Record domain.Record
	// Compute derives further update fields from the current visible record.
	// It runs under the controller lock so read-modify-write edits such as
	// counters and toggles never lose a concurrent change. Its result is
	// merged over Record.
	Compute func(cur domain.Record) (domain.Record, error)
	// CheckConflicts runs the time block pre-check. Set it when creating or
	// moving a scheduled task; status-only changes leave it off.
	CheckConflicts bool
	// Confirmed proceeds past a conflict warning.
	Confirmed bool
	// Op names the operation in error reports. Defaults to "<kind> <collection>".
	Op string
}

func (m Mutation) opName() string {
	if m.Op != "" {
		return m.Op
	}
	return m.Kind.String() + " " + string(m.Collection)
}

// Ticket tracks the persistence of one accepted mutation.
type Ticket struct {
	// LocalID is the id the entity is visible under right away. For adds it
	// is a temporary id until the store assigns one.
	LocalID string

	done chan struct{}
	id   string
	err  error
}

func newTicket(id string) *Ticket {
	return &Ticket{LocalID: id, id: id, done: make(chan struct{})}
}

func (t *Ticket) settle(id string, err error) {
	if id != "" {
		t.id = id
	}
	t.err = err
	close(t.done)
}

// Done is closed once the mutation was committed or rolled back.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the mutation settled and returns the persistence error.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the store id once the mutation settled, LocalID before that.
func (t *Ticket) ID() string {
	select {
	case <-t.done:
		return t.id
	default:
		return t.LocalID
	}
}
