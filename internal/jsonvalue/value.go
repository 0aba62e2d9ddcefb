// Package jsonvalue is the dynamic JSON facade used for task request and
// response payloads.
//
// Per spec.md's design notes, the core must not impose a fixed schema on
// these payloads — that is the downstream validator's job. encoding/json
// already decodes arbitrary JSON into the union this needs (null, bool,
// float64, string, []any, map[string]any); Value is a thin, named wrapper
// around that union with a few convenience accessors, rather than a
// hand-rolled tagged-sum type that would just re-implement what
// encoding/json gives for free.
package jsonvalue

import "encoding/json"

// Value holds an arbitrary JSON tree: nil, bool, float64, string, []Value
// (via []any), or map[string]Value (via map[string]any).
type Value struct {
	v any
}

// Of wraps a Go value (typically produced by a user callback) as a Value.
func Of(v any) Value { return Value{v: v} }

// Null is the JSON null value.
var Null = Value{v: nil}

// Raw returns the underlying decoded value.
func (v Value) Raw() any { return v.v }

// IsNull reports whether v holds JSON null (or was never set).
func (v Value) IsNull() bool { return v.v == nil }

// Map returns the value as a map and true, or (nil, false) if it is not an object.
func (v Value) Map() (map[string]Value, bool) {
	m, ok := v.v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]Value, len(m))
	for k, val := range m {
		out[k] = Value{v: val}
	}
	return out, true
}

// Slice returns the value as a slice and true, or (nil, false) if it is not an array.
func (v Value) Slice() ([]Value, bool) {
	s, ok := v.v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]Value, len(s))
	for i, val := range s {
		out[i] = Value{v: val}
	}
	return out, true
}

// String returns the value as a string and true, or ("", false) if it is not a string.
func (v Value) String() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.v = raw
	return nil
}

// Decode parses raw JSON bytes into a Value. Equivalent to
// json.Unmarshal(raw, &value) but reads better at call sites that just
// want a Value back.
func Decode(raw []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}

// Encode marshals v back to JSON bytes.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}
