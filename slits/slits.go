// Package slits builds gap and position adjustables for a four-blade slit.
package slits

import (
	"context"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/task"
)

// Blades are the four blade adjustables of a slit, in a common coordinate
// where positive is up (Top, Bottom) or towards +x (Left, Right).  An open
// slit has Top > Bottom and Right > Left
type Blades struct {
	Top, Bottom, Left, Right adjustable.Adjustable
}

// Slit is a four-blade slit.  Setting a gap keeps the centre; setting a
// position keeps the gap
type Slit struct {
	Name   string
	Blades Blades

	HGap *adjustable.Virtual
	VGap *adjustable.Virtual
	HPos *adjustable.Virtual
	VPos *adjustable.Virtual
}

func gapOf(in []float64) (float64, error) { return in[1] - in[0], nil }
func posOf(in []float64) (float64, error) { return (in[0] + in[1]) / 2, nil }

func setGap(v float64, cur []float64) ([]float64, error) {
	c := (cur[0] + cur[1]) / 2
	return []float64{c - v/2, c + v/2}, nil
}

func setPos(v float64, cur []float64) ([]float64, error) {
	g := cur[1] - cur[0]
	return []float64{v - g/2, v + g/2}, nil
}

// New returns a slit over the blades
func New(name string, b Blades) *Slit {
	h := []adjustable.Adjustable{b.Left, b.Right}
	v := []adjustable.Adjustable{b.Bottom, b.Top}
	return &Slit{
		Name:   name,
		Blades: b,
		HGap:   adjustable.NewVirtual(name+"_hgap", h, gapOf, setGap),
		HPos:   adjustable.NewVirtual(name+"_hpos", h, posOf, setPos),
		VGap:   adjustable.NewVirtual(name+"_vgap", v, gapOf, setGap),
		VPos:   adjustable.NewVirtual(name+"_vpos", v, posOf, setPos),
	}
}

// Adjustables returns the virtual axes and the blades keyed by short name
func (s *Slit) Adjustables() map[string]adjustable.Adjustable {
	return map[string]adjustable.Adjustable{
		"hgap":   s.HGap,
		"vgap":   s.VGap,
		"hpos":   s.HPos,
		"vpos":   s.VPos,
		"top":    s.Blades.Top,
		"bottom": s.Blades.Bottom,
		"left":   s.Blades.Left,
		"right":  s.Blades.Right,
	}
}

// SetGaps opens the slit to the horizontal and vertical gaps about the
// current centre in one move
func (s *Slit) SetGaps(ctx context.Context, h, v float64) *task.Task {
	b := s.Blades
	cur, err := adjustable.GetAll(ctx, []adjustable.Adjustable{b.Left, b.Right, b.Bottom, b.Top})
	if err != nil {
		return task.Completed(err)
	}
	hc := (cur[0] + cur[1]) / 2
	vc := (cur[2] + cur[3]) / 2
	return adjustable.NewGroup(b.Left, b.Right, b.Bottom, b.Top).
		Set(ctx, []float64{hc - h/2, hc + h/2, vc - v/2, vc + v/2})
}
