// Package keys derives the key namespace used by the entity store.
//
// Records live at "<prefix>:<schema>:<id>"; index and link entries live at
// "<prefix>:<idx>:<schema>:<name...>:<value...>" with one value slot per
// name component.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// Separator joins key segments.
const Separator = ":"

// Join builds a key from the prefix and the given segments, dropping empty ones.
func Join(prefix string, parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	if prefix != "" {
		segs = append(segs, prefix)
	}
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, Separator)
}

// Record returns the key of the main record of an entity.
func Record(prefix, schema, id string) string {
	return Join(prefix, schema, id)
}

// RecordPattern returns the glob pattern matching every record of a schema.
func RecordPattern(prefix, schema string) string {
	return Join(prefix, schema, "*")
}

// Counter returns the key of the store-side id counter of a schema.
func Counter(prefix, idPrefix, schema string) string {
	return Join(prefix, idPrefix, schema)
}

// ParseRecord splits a record key into its schema and id.
// Keys outside the prefix, or under one of the reserved segments, are rejected.
func ParseRecord(prefix, key string, reserved ...string) (schema, id string, ok bool) {
	rest := key
	if prefix != "" {
		if !strings.HasPrefix(key, prefix+Separator) {
			return "", "", false
		}
		rest = key[len(prefix)+1:]
	}
	parts := strings.Split(rest, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	for _, r := range reserved {
		if parts[0] == r {
			return "", "", false
		}
	}
	return parts[0], parts[1], true
}

// Template is an index or link key with one value slot per name component.
type Template struct {
	base  string
	slots int
}

// NewTemplate returns the template "<prefix>:<idx>:<schema>:<name...>" with len(name) slots.
func NewTemplate(prefix, idxPrefix, schema string, name ...string) Template {
	parts := append([]string{idxPrefix, schema}, name...)
	slots := len(name)
	if slots == 0 {
		slots = 1
	}
	return Template{base: Join(prefix, parts...), slots: slots}
}

// Slots returns the number of value slots.
func (t Template) Slots() int { return t.slots }

// IsZero reports whether the template is unset.
func (t Template) IsZero() bool { return t.base == "" }

// String renders the template with "%s" placeholders.
func (t Template) String() string {
	if t.IsZero() {
		return ""
	}
	return t.base + strings.Repeat(Separator+"%s", t.slots)
}

// Format fills the slots with values. Missing slots are left empty and extra
// values are ignored.
func (t Template) Format(values ...any) string {
	var b strings.Builder
	b.WriteString(t.base)
	for i := 0; i < t.slots; i++ {
		b.WriteString(Separator)
		if i < len(values) {
			b.WriteString(FormatValue(values[i]))
		}
	}
	return b.String()
}

// FormatValue renders a value the way it appears inside a key.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// GlobPrefix returns the literal part of a glob pattern before its first meta character.
func GlobPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
