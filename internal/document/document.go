// Package document defines the metadata documents the pipeline stores
// for raw exposures and master calibs.
//
// Documents are open maps rather than fixed structs: the ingestor copies
// every FITS header card it sees, and the screening and metric layers
// attach nested sub-documents. Typed accessors cope with the value
// representations the BSON decoder hands back.
package document

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is a single metadata record.
type Document map[string]any

// Get resolves a dot-separated path ("quality.calexp.zp_mag") through
// nested sub-documents.
func (d Document) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(d)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Has reports whether the dot-separated path resolves.
func (d Document) Has(path string) bool {
	_, ok := d.Get(path)
	return ok
}

// Set writes a value at a dot-separated path, creating intermediate
// sub-documents as needed.
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	m := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(m[part])
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m[part] = next
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// GetString returns the string at path, or "" when absent or mistyped.
func (d Document) GetString(path string) string {
	v, ok := d.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetInt returns the integer at path, tolerating the numeric types the
// BSON decoder produces.
func (d Document) GetInt(path string) (int, bool) {
	v, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// GetFloat returns the float at path, tolerating integer encodings.
func (d Document) GetFloat(path string) (float64, bool) {
	v, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetBool returns the boolean at path.
func (d Document) GetBool(path string) bool {
	v, ok := d.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetTime returns the timestamp at path, handling both native times and
// BSON datetimes.
func (d Document) GetTime(path string) (time.Time, bool) {
	v, ok := d.Get(path)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case primitive.DateTime:
		return t.Time().UTC(), true
	}
	return time.Time{}, false
}

// Copy returns a deep copy: nested sub-documents are duplicated so
// mutation of the copy leaves the original untouched.
func (d Document) Copy() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if m, ok := asMap(v); ok {
			out[k] = map[string]any(Document(m).Copy())
			continue
		}
		out[k] = v
	}
	return out
}

// Require checks that every key resolves, collecting all misses into a
// single error.
func (d Document) Require(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if !d.Has(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("document missing required keys: %s", strings.Join(missing, ", "))
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	case primitive.M:
		return map[string]any(m), true
	}
	return nil, false
}
