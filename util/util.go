// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter imposes a software range on a value
type Limiter struct {
	// Min is the minimum allowed value
	Min float64 `json:"min" yaml:"Min"`

	// Max is the maximum allowed value
	Max float64 `json:"max" yaml:"Max"`
}

// Check returns true if the value is within the limits, inclusive.
// A zero Limiter (Min == Max == 0) imposes no limit
func (l Limiter) Check(f float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return f >= l.Min && f <= l.Max
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique elements of a slice, preserving order
func UniqueString(strs []string) []string {
	seen := make(map[string]struct{}, len(strs))
	out := []string{}
	for _, s := range strs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// AllElementsNumbers returns true if every rune of s is a digit or a decimal point
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
