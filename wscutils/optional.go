package wscutils

import "encoding/json"

// Optional distinguishes the three states a JSON field can be in: absent,
// explicitly null, and present with a value. Plain pointers collapse absent
// and null into nil; request structs use Optional where that difference
// matters.
//
// With the omitzero tag an absent Optional is dropped from marshaled
// output, a null one serializes as null, and a present one serializes as
// its value:
//
//	type UpdateRequest struct {
//	    Limit  Optional[int]    `json:"limit,omitzero"`
//	    Status Optional[string] `json:"status,omitzero"`
//	}
type Optional[T any] struct {
	Value   T
	Present bool
	Null    bool
}

// NewOptional returns a present Optional holding v.
func NewOptional[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Present: true}
}

// NewOptionalNull returns a present Optional carrying an explicit null.
func NewOptionalNull[T any]() Optional[T] {
	return Optional[T]{Present: true, Null: true}
}

// NewOptionalAbsent returns an Optional that was never set.
func NewOptionalAbsent[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether one is actually there, treating both
// absent and null as not there.
func (o Optional[T]) Get() (T, bool) {
	if !o.Present || o.Null {
		var zero T
		return zero, false
	}
	return o.Value, true
}

// IsZero reports whether the field was absent. encoding/json consults it
// for the omitzero tag.
func (o Optional[T]) IsZero() bool {
	return !o.Present
}

// MarshalJSON writes null for an explicit null and the held value
// otherwise. An absent Optional marshals as its zero value; pair the field
// with the omitzero tag to drop it from output instead.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		o.Present = true
		o.Null = true
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.Present = true
	return nil
}
