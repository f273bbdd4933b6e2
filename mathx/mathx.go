// Package mathx provides the small numerical helpers scans and virtual
// devices need: evenly spaced points and linear interpolation tables.
package mathx

import (
	"errors"
	"sort"
)

var (
	// ErrTableShape is returned when interpolation tables are malformed
	ErrTableShape = errors.New("interpolation table x and y must be equal length with at least two points")
)

// Linspace returns n evenly spaced points from start to end, inclusive.
// n == 1 returns only start.
func Linspace(start, end float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out
}

// Table is a piecewise linear function defined on sorted X
type Table struct {
	X, Y []float64
}

// NewTable copies and sorts x, y by x
func NewTable(x, y []float64) (Table, error) {
	if len(x) != len(y) || len(x) < 2 {
		return Table{}, ErrTableShape
	}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	t := Table{X: make([]float64, len(x)), Y: make([]float64, len(y))}
	for i, j := range idx {
		t.X[i] = x[j]
		t.Y[i] = y[j]
	}
	return t, nil
}

// Interp evaluates the table at x.  Values outside the table are clamped to
// the end points
func (t Table) Interp(x float64) float64 {
	n := len(t.X)
	if x <= t.X[0] {
		return t.Y[0]
	}
	if x >= t.X[n-1] {
		return t.Y[n-1]
	}
	i := sort.SearchFloat64s(t.X, x)
	x0, x1 := t.X[i-1], t.X[i]
	y0, y1 := t.Y[i-1], t.Y[i]
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

// Monotonic returns true if Y strictly increases or strictly decreases
func (t Table) Monotonic() bool {
	if len(t.Y) < 2 {
		return false
	}
	up := t.Y[1] > t.Y[0]
	for i := 1; i < len(t.Y); i++ {
		if t.Y[i] == t.Y[i-1] || (t.Y[i] > t.Y[i-1]) != up {
			return false
		}
	}
	return true
}

// Inverse returns the table with x and y swapped.  Only meaningful for
// monotonic tables
func (t Table) Inverse() (Table, error) {
	return NewTable(t.Y, t.X)
}
