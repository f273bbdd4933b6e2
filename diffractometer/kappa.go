// Package diffractometer converts between the angles of a kappa goniometer
// and the Eulerian angles users think in, and exposes the Eulerian angles as
// adjustables.
package diffractometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/task"
)

// DefaultAlpha is the kappa arm inclination of common kappa goniometers, degrees
const DefaultAlpha = 50.

// ErrUnreachable is returned for Eulerian chi beyond the reach of the kappa arm
var ErrUnreachable = errors.New("chi out of reach of the kappa geometry")

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

// KappaToEuler converts kappa angles to Eulerian angles.  All angles are in
// degrees, alpha is the inclination of the kappa axis
func KappaToEuler(omegaK, kappa, phiK, alpha float64) (eta, chi, phi float64) {
	a := rad(alpha)
	k2 := rad(kappa) / 2
	delta := deg(math.Atan(math.Tan(k2) * math.Cos(a)))
	chi = deg(2 * math.Asin(math.Sin(k2)*math.Sin(a)))
	return omegaK + delta, chi, phiK + delta
}

// EulerToKappa converts Eulerian angles to kappa angles.  Of the two kappa
// solutions the one with |kappa| <= 180 is returned
func EulerToKappa(eta, chi, phi, alpha float64) (omegaK, kappa, phiK float64, err error) {
	a := rad(alpha)
	c2 := rad(chi) / 2
	s := math.Sin(c2) / math.Sin(a)
	if math.Abs(s) > 1 {
		return 0, 0, 0, fmt.Errorf("%w: chi %g with alpha %g", ErrUnreachable, chi, alpha)
	}
	kappa = deg(2 * math.Asin(s))
	delta := deg(math.Asin(math.Tan(c2) / math.Tan(a)))
	return eta - delta, kappa, phi - delta, nil
}

// Kappa is a kappa goniometer.  Eta, Chi and Phi are virtual adjustables over
// the three kappa motors; moving one keeps the other two fixed
type Kappa struct {
	Name  string
	Alpha float64

	OmegaK adjustable.Adjustable
	KappaA adjustable.Adjustable
	PhiK   adjustable.Adjustable

	Eta *adjustable.Virtual
	Chi *adjustable.Virtual
	Phi *adjustable.Virtual

	// Motors holds the detector arm and other direct circles, e.g. nu, delta, mu
	Motors map[string]adjustable.Adjustable
}

// NewKappa returns a goniometer over the three kappa motors
func NewKappa(name string, alpha float64, omegaK, kappa, phiK adjustable.Adjustable) *Kappa {
	k := &Kappa{Name: name, Alpha: alpha, OmegaK: omegaK, KappaA: kappa, PhiK: phiK,
		Motors: make(map[string]adjustable.Adjustable)}
	inputs := []adjustable.Adjustable{omegaK, kappa, phiK}
	k.Eta = adjustable.NewVirtual(name+"_eta", inputs, k.forward(0), k.inverse(0))
	k.Chi = adjustable.NewVirtual(name+"_chi", inputs, k.forward(1), k.inverse(1))
	k.Phi = adjustable.NewVirtual(name+"_phi", inputs, k.forward(2), k.inverse(2))
	return k
}

func (k *Kappa) euler(in []float64) [3]float64 {
	eta, chi, phi := KappaToEuler(in[0], in[1], in[2], k.Alpha)
	return [3]float64{eta, chi, phi}
}

func (k *Kappa) forward(idx int) adjustable.ForwardFunc {
	return func(in []float64) (float64, error) {
		return k.euler(in)[idx], nil
	}
}

func (k *Kappa) inverse(idx int) adjustable.InverseFunc {
	return func(v float64, cur []float64) ([]float64, error) {
		e := k.euler(cur)
		e[idx] = v
		o, kap, p, err := EulerToKappa(e[0], e[1], e[2], k.Alpha)
		if err != nil {
			return nil, err
		}
		return []float64{o, kap, p}, nil
	}
}

// Euler reads the Eulerian angles
func (k *Kappa) Euler(ctx context.Context) (eta, chi, phi float64, err error) {
	in, err := adjustable.GetAll(ctx, []adjustable.Adjustable{k.OmegaK, k.KappaA, k.PhiK})
	if err != nil {
		return 0, 0, 0, err
	}
	e := k.euler(in)
	return e[0], e[1], e[2], nil
}

// SetEuler moves all three kappa motors to realize the Eulerian angles
func (k *Kappa) SetEuler(ctx context.Context, eta, chi, phi float64) *task.Task {
	o, kap, p, err := EulerToKappa(eta, chi, phi, k.Alpha)
	if err != nil {
		return task.Completed(err)
	}
	return adjustable.NewGroup(k.OmegaK, k.KappaA, k.PhiK).Set(ctx, []float64{o, kap, p})
}

// AddMotor registers a direct circle
func (k *Kappa) AddMotor(short string, a adjustable.Adjustable) {
	k.Motors[short] = a
}

// Adjustables returns every adjustable of the goniometer keyed by short name
func (k *Kappa) Adjustables() map[string]adjustable.Adjustable {
	out := map[string]adjustable.Adjustable{
		"omega_k": k.OmegaK,
		"kappa":   k.KappaA,
		"phi_k":   k.PhiK,
		"eta":     k.Eta,
		"chi":     k.Chi,
		"phi":     k.Phi,
	}
	for n, a := range k.Motors {
		out[n] = a
	}
	return out
}

// Names returns the short names of Adjustables, sorted
func (k *Kappa) Names() []string {
	adjs := k.Adjustables()
	out := make([]string, 0, len(adjs))
	for n := range adjs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
