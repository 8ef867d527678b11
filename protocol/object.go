// Package protocol holds the JSON object model shared by control frames,
// channels and the router, along with the problem codes used to report
// failures to the peer.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Object is a JSON object as carried by a control frame.
type Object map[string]interface{}

// JSONError reports a missing or mistyped field in an Object.
type JSONError struct {
	Key    string
	Reason string
}

func (e *JSONError) Error() string {
	return fmt.Sprintf("attribute '%s': %s", e.Key, e.Reason)
}

func typeError(key, want string) *JSONError {
	return &JSONError{Key: key, Reason: "must be " + want}
}

// Has reports whether key is present with a non-null value.
func (o Object) Has(key string) bool {
	v, ok := o[key]
	return ok && v != nil
}

// Str returns the string value of a required key.
func (o Object) Str(key string) (string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return "", &JSONError{Key: key, Reason: "required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", typeError(key, "a string")
	}
	return s, nil
}

// StrDefault returns the string value of key, or def when it is absent.
func (o Object) StrDefault(key, def string) (string, error) {
	if !o.Has(key) {
		return def, nil
	}
	return o.Str(key)
}

// OptStr returns a pointer to the string value of key, or nil when absent.
func (o Object) OptStr(key string) (*string, error) {
	if !o.Has(key) {
		return nil, nil
	}
	s, err := o.Str(key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Bool returns the boolean value of key, or def when it is absent.
func (o Object) Bool(key string, def bool) (bool, error) {
	if !o.Has(key) {
		return def, nil
	}
	b, ok := o[key].(bool)
	if !ok {
		return false, typeError(key, "a boolean")
	}
	return b, nil
}

// Enum returns the value of key, which must be one of allowed. If key is
// absent def is returned, which may be empty to mean "unset".
func (o Object) Enum(key string, allowed []string, def string) (string, error) {
	if !o.Has(key) {
		return def, nil
	}
	s, err := o.Str(key)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", &JSONError{Key: key, Reason: fmt.Sprintf("invalid value %q, expected one of %v", s, allowed)}
}

// Int returns the integer value of a required key. Values decoded from JSON
// arrive as float64 and must be integral.
func (o Object) Int(key string) (int64, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, &JSONError{Key: key, Reason: "required"}
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, typeError(key, "an integer")
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, typeError(key, "an integer")
		}
		return i, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, typeError(key, "a 63-bit integer")
		}
		return int64(n), nil
	default:
		return 0, typeError(key, "an integer")
	}
}

// Merge returns a new Object containing o overlaid with each of others.
func (o Object) Merge(others ...Object) Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	for _, other := range others {
		for k, v := range other {
			out[k] = v
		}
	}
	return out
}
