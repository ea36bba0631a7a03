// Package breakpoint places the controller's variable breakpoints by fitting
// a polynomial to the measured response and inverting it.
package breakpoint

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	Degree     = 5
	Iterations = 31
	Points     = 10
	// fullScale is the encoded value of a breakpoint at 125 %.
	fullScale = 32768.0 / 125.0
)

var ErrFit = errors.New("breakpoint fit failed")

// Poly holds c1..cDegree of c1*x + c2*x^2 + ...; there is no constant term.
type Poly []float64

// Eval uses Horner's scheme.
func (p Poly) Eval(x float64) float64 {
	acc := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		acc = acc*x + p[i]
	}
	return acc * x
}

// Fit solves the least-squares problem for y ≈ Poly(x) with a QR factorization.
func Fit(x, y []float64) (Poly, error) {
	if len(x) != len(y) || len(x) < Degree {
		return nil, fmt.Errorf("%w: need at least %d points, got %d/%d", ErrFit, Degree, len(x), len(y))
	}
	a := mat.NewDense(len(x), Degree, nil)
	for i, xi := range x {
		pow := xi
		for j := 0; j < Degree; j++ {
			a.Set(i, j, pow)
			pow *= xi
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFit, err)
	}
	p := make(Poly, Degree)
	for j := range p {
		p[j] = c.AtVec(j)
	}
	return p, nil
}

// Invert finds x in [0,1] with p(x) = target by bisection, assuming p rises
// across the interval. Targets outside p's range clamp to an end.
func (p Poly) Invert(target float64) float64 {
	lo, hi := 0.0, 1.0
	for i := 0; i < Iterations; i++ {
		mid := (lo + hi) / 2
		if p.Eval(mid) < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// Encode scales a breakpoint fraction to the controller's fixed-point word.
func Encode(x float64) uint16 {
	v := math.RoundToEven(x * 100 * fullScale)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// Result holds each breakpoint as a fraction of full scale and encoded.
type Result struct {
	Fractions [Points]float64
	Words     [Points]uint16
}

// Percent returns breakpoint i as a percentage of full scale.
func (r Result) Percent(i int) float64 { return r.Fractions[i] * 100 }

// Solve fits corrected readings (percent of the 10th reading, taken at
// 10 %, 20 % ... 100 %) and returns the breakpoint for each target 10..100.
func Solve(corrected [Points]float64) (Result, error) {
	x := make([]float64, Points)
	for i := range x {
		x[i] = float64(i+1) / Points
	}
	p, err := Fit(x, corrected[:])
	if err != nil {
		return Result{}, err
	}
	var r Result
	for i := range r.Fractions {
		bp := p.Invert(float64((i + 1) * 10))
		r.Fractions[i] = bp
		r.Words[i] = Encode(bp)
	}
	return r, nil
}

// Identity is the breakpoint set of a perfectly linear device.
func Identity() [Points]uint16 {
	var w [Points]uint16
	for i := range w {
		w[i] = Encode(float64(i+1) / Points)
	}
	return w
}
