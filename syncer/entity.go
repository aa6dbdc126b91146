package syncer

import (
	"context"
	"strings"

	"lifecenter/domain"
)

const localIDPrefix = "local-"

func isLocalID(id string) bool { return strings.HasPrefix(id, localIDPrefix) }

// pendingOp is an accepted mutation waiting for its persist to settle.
type pendingOp struct {
	kind   Kind
	record domain.Record
	rev    int64
	op     string
	ctx    context.Context
	ticket *Ticket
	// completes marks a task update that moved status into completed.
	completes bool
	// touchesDates marks a habit update that changed completion dates.
	touchesDates bool
}

// entity is the transactional state of one record: the value last confirmed
// by the store plus the queue of mutations not yet settled. What observers see
// is the queue folded over the confirmed value.
type entity struct {
	col       domain.Collection
	id        string
	confirmed domain.Record
	// confirmedRev is the revision of our last committed write.
	confirmedRev int64
	// synced is set once the record appeared in a snapshot.
	synced bool
	// tombstone hides a committed delete from snapshots that predate it.
	tombstone bool
	pending   []*pendingOp
	running   bool
}

// visible folds the pending queue over the confirmed value. The result must
// not be modified.
func (e *entity) visible() domain.Record {
	var rec domain.Record
	if !e.tombstone {
		rec = e.confirmed
	}
	if len(e.pending) == 0 {
		return rec
	}
	for _, op := range e.pending {
		switch op.kind {
		case KindAdd:
			rec = op.record
		case KindUpdate:
			if rec != nil {
				rec = rec.Merge(op.record)
			}
		case KindDelete:
			rec = nil
		}
	}
	if rec != nil {
		rec = rec.Clone()
		rec[domain.FieldID] = e.id
	}
	return rec
}

// commit folds a persisted op into the confirmed value.
func (e *entity) commit(op *pendingOp) {
	switch op.kind {
	case KindAdd:
		rec := op.record.Clone()
		rec[domain.FieldID] = e.id
		e.confirmed = rec
		e.tombstone = false
	case KindUpdate:
		if e.confirmed != nil {
			e.confirmed = e.confirmed.Merge(op.record)
		}
	case KindDelete:
		e.confirmed = nil
		e.tombstone = true
	}
	if op.rev > e.confirmedRev {
		e.confirmedRev = op.rev
	}
}

// dead reports whether nothing about the entity is left to track.
func (e *entity) dead() bool {
	return e.confirmed == nil && !e.tombstone && len(e.pending) == 0
}

// reconcile applies a snapshot value for this entity. rec is nil when the
// snapshot did not contain the id.
func (e *entity) reconcile(rec domain.Record) {
	if rec == nil {
		switch {
		case e.tombstone:
			e.tombstone = false
		case e.synced:
			// deleted elsewhere
			e.confirmed = nil
		}
		// an add we committed that no snapshot has shown yet is kept
		return
	}
	e.synced = true
	if e.tombstone {
		return
	}
	if rec.Revision() < e.confirmedRev {
		return
	}
	e.confirmed = rec.Clone()
}
