package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Collection names a group of records owned by a user.
type Collection string

const (
	CollectionTasks    Collection = "tasks"
	CollectionHabits   Collection = "habits"
	CollectionProjects Collection = "projects"
)

// Collections lists every collection the controller mirrors.
var Collections = []Collection{CollectionTasks, CollectionHabits, CollectionProjects}

// Record field names shared by every collection.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldRevision  = "revision"
	FieldOwner     = "ownerId"
)

// Codec decodes integers as int64 so revision stamps survive a round trip
// through untyped records.
var Codec = sonic.Config{UseInt64: true, EscapeHTML: true, SortMapKeys: true}.Froze()

// Record is the untyped, camelCase form of an entity as exchanged with stores.
// A nil value in a partial record clears the field.
type Record map[string]any

// ID returns the record id or "".
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// Revision returns the revision stamp or 0.
func (r Record) Revision() int64 {
	switch v := r[FieldRevision].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Merge returns a copy of r with the fields of partial applied. Nil values
// remove the field.
func (r Record) Merge(partial Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range partial {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// ToRecord encodes a typed entity into its record form.
func ToRecord(v any) (Record, error) {
	data, err := Codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var rec Record
	if err := Codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// FromRecord decodes a record into a typed entity.
func FromRecord(rec Record, v any) error {
	data, err := Codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := Codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// DecodeTasks converts records into tasks, skipping records that do not decode.
func DecodeTasks(recs []Record) []Task {
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		var t Task
		if err := FromRecord(r, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// DecodeHabits converts records into habits, skipping undecodable records.
func DecodeHabits(recs []Record) []Habit {
	out := make([]Habit, 0, len(recs))
	for _, r := range recs {
		var h Habit
		if err := FromRecord(r, &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// DecodeProjects converts records into projects, skipping undecodable records.
func DecodeProjects(recs []Record) []Project {
	out := make([]Project, 0, len(recs))
	for _, r := range recs {
		var p Project
		if err := FromRecord(r, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
