package kdoc

import (
	"encoding/json"
	"slices"
)

// Fields is an ordered multi-map of string fields. Keys are unique and keep
// their insertion order; each key holds an ordered list of values.
//
// Fields is not safe for concurrent use. A document is owned by exactly one
// step at a time.
type Fields struct {
	keys   []string
	values map[string][]string
}

// NewFields creates an empty field map.
func NewFields() *Fields {
	return &Fields{values: make(map[string][]string)}
}

// Add appends a value to key, creating the key at the end of the order if needed.
func (f *Fields) Add(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = append(f.values[key], value)
}

// Set replaces all values of key. The key keeps its position if it exists.
func (f *Fields) Set(key string, values ...string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = slices.Clone(values)
}

// Get returns a copy of the values of key.
func (f *Fields) Get(key string) []string {
	return slices.Clone(f.values[key])
}

// First returns the first value of key.
func (f *Fields) First(key string) (string, bool) {
	v := f.values[key]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Has reports whether key is present.
func (f *Fields) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// Remove deletes key and all of its values.
func (f *Fields) Remove(key string) {
	if _, ok := f.values[key]; !ok {
		return
	}
	delete(f.values, key)
	f.keys = slices.DeleteFunc(f.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	return slices.Clone(f.keys)
}

// Len returns the number of keys.
func (f *Fields) Len() int {
	return len(f.keys)
}

// Clone returns a deep copy.
func (f *Fields) Clone() *Fields {
	c := &Fields{
		keys:   slices.Clone(f.keys),
		values: make(map[string][]string, len(f.values)),
	}
	for k, v := range f.values {
		c.values[k] = slices.Clone(v)
	}
	return c
}

type wireField struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// MarshalJSON encodes the fields as an ordered array so that order survives
// the round trip.
func (f *Fields) MarshalJSON() ([]byte, error) {
	out := make([]wireField, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, wireField{Name: k, Values: f.values[k]})
	}
	return json.Marshal(out)
}

func (f *Fields) UnmarshalJSON(b []byte) error {
	var in []wireField
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	f.keys = nil
	f.values = make(map[string][]string, len(in))
	for _, w := range in {
		f.Set(w.Name, w.Values...)
	}
	return nil
}
