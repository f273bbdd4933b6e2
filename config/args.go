package config

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/beamline/util"
)

// Args wraps the free-form constructor arguments of a device with typed
// accessors.  YAML numbers may arrive as int or float64, both are accepted
type Args map[string]interface{}

// Float returns the number at key, or def
func (a Args) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

// Int returns the integer at key, or def
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// String returns the string at key, or def
func (a Args) String(key, def string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return def
}

// Bool returns the bool at key, or def
func (a Args) Bool(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// Duration returns the number of seconds at key as a duration, or def
func (a Args) Duration(key string, def time.Duration) time.Duration {
	if _, ok := a[key]; !ok {
		return def
	}
	return util.SecsToDuration(a.Float(key, 0))
}

// Floats returns the list of numbers at key.  A missing key gives nil
func (a Args) Floats(key string) ([]float64, error) {
	raw, ok := a[key]
	if !ok {
		return nil, nil
	}
	if v, ok := raw.([]float64); ok {
		return v, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("argument %q is not a list", key)
	}
	out := make([]float64, len(list))
	for i, e := range list {
		switch e.(type) {
		case float64, float32, int, int64, uint64:
			out[i] = Args{"v": e}.Float("v", 0)
		default:
			return nil, fmt.Errorf("argument %q item %d is not a number", key, i)
		}
	}
	return out, nil
}

// Strings returns the list of strings at key
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Map returns the mapping at key
func (a Args) Map(key string) map[string]interface{} {
	switch v := a[key].(type) {
	case map[string]interface{}:
		return v
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = e
		}
		return out
	}
	return nil
}

// List returns the list of mappings at key
func (a Args) List(key string) []Args {
	raw, ok := a[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Args, 0, len(raw))
	for _, e := range raw {
		sub := Args{"x": e}.Map("x")
		if sub != nil {
			out = append(out, Args(sub))
		}
	}
	return out
}

// Require returns an error naming the first of keys that is missing
func (a Args) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := a[k]; !ok {
			return fmt.Errorf("missing argument %q", k)
		}
	}
	return nil
}
