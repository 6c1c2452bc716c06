package roster

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row identity columns carried by every syncable table.
const (
	ColSyncID     = "sync_id"
	ColModifiedAt = "modified_at"
	ColModifiedBy = "modified_by"
	ColDeletedAt  = "deleted_at"
)

// timestampLayouts are the textual forms accepted for modified_at and deleted_at.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Row is a single record keyed by column name. Values are the driver's native
// types: int64, float64, string, []byte, bool, time.Time or nil.
type Row map[string]any

// SyncID returns the globally unique identity of the row.
func (r Row) SyncID() string {
	switch v := r[ColSyncID].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ModifiedAt returns the row's last-edit time, or the zero time if unset.
func (r Row) ModifiedAt() time.Time {
	t, _ := ParseTimestamp(r[ColModifiedAt])
	return t
}

// ModifiedBy returns the user that last edited the row.
func (r Row) ModifiedBy() string {
	if v, ok := r[ColModifiedBy].(string); ok {
		return v
	}
	return ""
}

// DeletedAt returns the tombstone time and whether the row is tombstoned.
func (r Row) DeletedAt() (time.Time, bool) {
	v, ok := r[ColDeletedAt]
	if !ok || v == nil {
		return time.Time{}, false
	}
	if s, ok := v.(string); ok && s == "" {
		return time.Time{}, false
	}
	t, _ := ParseTimestamp(v)
	return t, true
}

// IsDeleted reports whether the row carries a tombstone.
func (r Row) IsDeleted() bool {
	_, deleted := r.DeletedAt()
	return deleted
}

// Clone returns a shallow copy of the row. []byte values are copied.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// ContentEqual compares every column except modified_at and modified_by.
// The tombstone is part of content.
func (r Row) ContentEqual(o Row) bool {
	for k, v := range r {
		if k == ColModifiedAt || k == ColModifiedBy {
			continue
		}
		if !ValuesEqual(v, o[k]) {
			return false
		}
	}
	for k, v := range o {
		if k == ColModifiedAt || k == ColModifiedBy {
			continue
		}
		if _, ok := r[k]; !ok && v != nil {
			return false
		}
	}
	return true
}

// ValuesEqual compares two column values, normalizing across the representations
// a driver may return for the same stored value.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case time.Time:
		bt, ok := ParseTimestamp(b)
		return ok && av.Equal(bt)
	case []byte:
		switch bv := b.(type) {
		case []byte:
			return bytes.Equal(av, bv)
		case string:
			return string(av) == bv
		}
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case []byte:
			return av == string(bv)
		case time.Time:
			at, ok := ParseTimestamp(av)
			return ok && at.Equal(bv)
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseTimestamp converts a stored timestamp value to a time.Time.
// Integers are treated as Unix milliseconds when large enough, seconds otherwise.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return unixTime(t), true
	case int:
		return unixTime(int64(t)), true
	case float64:
		return unixTime(int64(t)), true
	case []byte:
		return parseTimestampString(string(t))
	case string:
		return parseTimestampString(t)
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	if n > 1e11 || n < -1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unixTime(n), true
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the form written to modified_at and deleted_at.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// cell is the typed JSON form of a single column value. Exactly one field is set,
// or none for NULL.
type cell struct {
	Int    *int64     `json:"i,omitempty"`
	Float  *float64   `json:"f,omitempty"`
	String *string    `json:"s,omitempty"`
	Bytes  *string    `json:"b,omitempty"`
	Bool   *bool      `json:"o,omitempty"`
	Time   *time.Time `json:"t,omitempty"`
}

// MarshalJSON encodes each value with its type so a row survives a round trip
// through persisted conflict state unchanged.
func (r Row) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	out := make(map[string]*cell, len(r))
	for k, v := range r {
		var c cell
		switch tv := v.(type) {
		case nil:
			out[k] = nil
			continue
		case int64:
			c.Int = &tv
		case int:
			n := int64(tv)
			c.Int = &n
		case float64:
			c.Float = &tv
		case string:
			c.String = &tv
		case []byte:
			s := base64.StdEncoding.EncodeToString(tv)
			c.Bytes = &s
		case bool:
			c.Bool = &tv
		case time.Time:
			c.Time = &tv
		case json.Number:
			if n, err := tv.Int64(); err == nil {
				c.Int = &n
			} else {
				s := tv.String()
				c.String = &s
			}
		default:
			return nil, fmt.Errorf("column %s: unsupported value type %T", k, v)
		}
		out[k] = &c
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the typed form written by MarshalJSON.
func (r *Row) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	var in map[string]*cell
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	row := make(Row, len(in))
	for k, c := range in {
		switch {
		case c == nil:
			row[k] = nil
		case c.Int != nil:
			row[k] = *c.Int
		case c.Float != nil:
			row[k] = *c.Float
		case c.String != nil:
			row[k] = *c.String
		case c.Bytes != nil:
			b, err := base64.StdEncoding.DecodeString(*c.Bytes)
			if err != nil {
				return fmt.Errorf("column %s: %w", k, err)
			}
			row[k] = b
		case c.Bool != nil:
			row[k] = *c.Bool
		case c.Time != nil:
			row[k] = *c.Time
		default:
			row[k] = nil
		}
	}
	*r = row
	return nil
}
