package adjustable

import (
	"context"
	"fmt"

	"github.com/nasa-jpl/beamline/task"
)

// Group moves several adjustables together
type Group struct {
	Members []Adjustable

	// Sequential moves the members in order instead of simultaneously
	Sequential bool
}

// NewGroup returns a group of adjs
func NewGroup(adjs ...Adjustable) *Group {
	return &Group{Members: adjs}
}

// Names returns the member names in order
func (g *Group) Names() []string {
	out := make([]string, len(g.Members))
	for i, a := range g.Members {
		out[i] = a.Name()
	}
	return out
}

// Get reads every member
func (g *Group) Get(ctx context.Context) ([]float64, error) {
	return GetAll(ctx, g.Members)
}

// Set begins moving each member to the corresponding value.  The returned
// task finishes when all members have, and stopping it stops them all
func (g *Group) Set(ctx context.Context, vals []float64) *task.Task {
	if len(vals) != len(g.Members) {
		return task.Completed(fmt.Errorf("%w: %d values for %d adjustables", ErrDimension, len(vals), len(g.Members)))
	}
	return moveMany(ctx, g.Members, vals, g.Sequential)
}

// SetRel moves each member by the corresponding delta
func (g *Group) SetRel(ctx context.Context, deltas []float64) *task.Task {
	cur, err := g.Get(ctx)
	if err != nil {
		return task.Completed(err)
	}
	if len(deltas) != len(cur) {
		return task.Completed(fmt.Errorf("%w: %d deltas for %d adjustables", ErrDimension, len(deltas), len(cur)))
	}
	for i := range cur {
		cur[i] += deltas[i]
	}
	return g.Set(ctx, cur)
}
