package storage

import (
	"reflect"
	"testing"

	"lifecenter/domain"
)

func TestStoreKeysRoundTrip(t *testing.T) {
	rec := domain.Record{
		"id":                    "t1",
		"nextOccurrenceCreated": true,
		"parentTaskId":          "p",
		"timeBlock":             map[string]any{"start": "10:00", "end": "11:00"},
		"dependencies":          []any{"a", map[string]any{"taskId": "b"}},
	}

	doc := ToStoreKeys(rec)
	if doc["next_occurrence_created"] != true || doc["parent_task_id"] != "p" {
		t.Fatalf("top level keys not converted: %v", doc)
	}
	if _, ok := doc["parentTaskId"]; ok {
		t.Fatal("camelCase key left behind")
	}
	if !reflect.DeepEqual(doc["time_block"], map[string]any{"start": "10:00", "end": "11:00"}) {
		t.Fatalf("nested map: %v", doc["time_block"])
	}
	if !reflect.DeepEqual(doc["dependencies"].([]any)[1], map[string]any{"task_id": "b"}) {
		t.Fatalf("map inside list: %v", doc["dependencies"])
	}

	if back := FromStoreKeys(doc); !reflect.DeepEqual(back, rec) {
		t.Fatalf("round trip changed the record: %v", back)
	}
}

func TestStoreKeysRoundTripAcronyms(t *testing.T) {
	rec := domain.Record{
		"userID":  "u1",
		"taskURL": "https://example.test/t/1",
		"nested":  map[string]any{"ownerIDs": []any{"a"}},
	}
	doc := ToStoreKeys(rec)
	if doc["user_i_d"] != "u1" {
		t.Fatalf("expected one segment per upper-case rune, got %v", doc)
	}
	if back := FromStoreKeys(doc); !reflect.DeepEqual(back, rec) {
		t.Fatalf("acronym keys did not survive the round trip: %v", back)
	}
}

func TestStoreKeysLeavesValuesAlone(t *testing.T) {
	doc := ToStoreKeys(domain.Record{"title": "camelCase title"})
	if doc["title"] != "camelCase title" {
		t.Fatalf("value rewritten: %v", doc["title"])
	}
	if ToStoreKeys(nil) != nil || FromStoreKeys(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
