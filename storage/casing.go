package storage

import (
	"strings"
	"unicode"

	"lifecenter/domain"
)

// ToStoreKeys converts every map key in rec from camelCase to snake_case,
// descending into nested maps and lists.
func ToStoreKeys(rec domain.Record) map[string]any {
	if rec == nil {
		return nil
	}
	return renameKeys(map[string]any(rec), snakeCase)
}

// FromStoreKeys reverses ToStoreKeys.
func FromStoreKeys(doc map[string]any) domain.Record {
	if doc == nil {
		return nil
	}
	return domain.Record(renameKeys(doc, camelCase))
}

func renameKeys(m map[string]any, rename func(string) string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[rename(k)] = renameValue(v, rename)
	}
	return out
}

func renameValue(v any, rename func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		return renameKeys(t, rename)
	case domain.Record:
		return renameKeys(map[string]any(t), rename)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renameValue(e, rename)
		}
		return out
	default:
		return v
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func camelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
