// Package ingest implements the Tecton ingest API client: the canonical
// record model and its validity rules, the wire types, permit-gated
// synchronous and asynchronous sends, retry with exponential backoff, and
// classification of every failure as retriable or terminal.
package ingest

import (
	"math"
	"reflect"
	"sort"

	"github.com/ajitpratap0/featuresink/pkg/json"
)

// Record is a canonical record: field name to a value that is recursively
// nil, string, number, bool, a list of values, or a string-keyed mapping.
type Record map[string]interface{}

// Valid reports whether every top-level value is a valid value
func (r Record) Valid() bool {
	_, ok := r.InvalidField()
	return !ok
}

// InvalidField returns the first field, in key order, whose value is not
// valid
func (r Record) InvalidField() (string, bool) {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !IsValidValue(r[k]) {
			return k, true
		}
	}
	return "", false
}

// IsValidValue reports whether v may appear in a canonical record. Byte
// slices, structs, pointers, channels, functions and non-finite floats are
// rejected.
func IsValidValue(v interface{}) bool {
	switch x := v.(type) {
	case nil, string, bool, json.Number:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case []byte:
		return false
	case []interface{}:
		for _, e := range x {
			if !IsValidValue(e) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		for _, e := range x {
			if !IsValidValue(e) {
				return false
			}
		}
		return true
	case Record:
		return x.Valid()
	}

	return isValidReflect(reflect.ValueOf(v))
}

// isValidReflect handles named and typed containers such as []string,
// map[string]int or type Score float64.
func isValidReflect(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if !IsValidValue(rv.Index(i).Interface()) {
				return false
			}
		}
		return true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return false
		}
		iter := rv.MapRange()
		for iter.Next() {
			if !IsValidValue(iter.Value().Interface()) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
