// Package geometry implements the Class-Shape-Transformation (CST)
// parameterization that maps a numeric parameter vector to an airfoil
// surface. The construction follows Kulfan's universal parametric
// representation: a class function controlling leading and trailing edge
// behaviour multiplied by a Bernstein polynomial shape function, evaluated
// separately for the upper and lower surface.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// Params holds the decoded CST parameters for one candidate airfoil.
// Upper and Lower are the Bernstein shape weights for the suction and
// pressure side respectively; N1 and N2 are the class function exponents
// (N1 ~ 0.5 gives a round leading edge, N2 ~ 1.0 a sharp trailing edge).
type Params struct {
	Upper []float64
	Lower []float64
	N1    float64
	N2    float64
}

// Dim returns the length of the flat parameter vector encoding p.
func (p Params) Dim() int {
	return len(p.Upper) + len(p.Lower) + 2
}

// SplitVector decodes a flat optimizer vector into Params. The layout is
// [upper weights, lower weights, N1, N2], matching VectorLayout.
func SplitVector(x []float64, nUpper, nLower int) (Params, error) {
	want := nUpper + nLower + 2
	if len(x) != want {
		return Params{}, fmt.Errorf("parameter vector has length %d, want %d (%d upper + %d lower + 2 exponents)",
			len(x), want, nUpper, nLower)
	}
	p := Params{
		Upper: append([]float64(nil), x[:nUpper]...),
		Lower: append([]float64(nil), x[nUpper:nUpper+nLower]...),
		N1:    x[nUpper+nLower],
		N2:    x[nUpper+nLower+1],
	}
	return p, nil
}

// Config controls surface sampling and validity limits. The surface is
// always generated on the unit chord; rescaling to the simulation chord is
// the case builder's job.
type Config struct {
	// Stations is the number of chordwise sampling stations per side.
	Stations int
	// TEGap is the total trailing edge thickness, split evenly between the
	// two sides by the linear trailing edge term.
	TEGap float64
	// MaxCurvature is the largest admissible curvature magnitude of the
	// surface polyline, per unit chord. Zero disables the check.
	MaxCurvature float64
}

// DefaultConfig returns the sampling configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Stations:     120,
		TEGap:        0,
		MaxCurvature: 1000,
	}
}

// Surface is an airfoil surface on the unit chord. Stations holds the
// shared chordwise positions ordered from leading to trailing edge; Upper
// and Lower are the corresponding y coordinates per side. X and Y hold the
// closed outline ordered trailing edge, upper side, leading edge, lower
// side, trailing edge, suitable for writing boundary definitions.
type Surface struct {
	Stations []float64
	Upper    []float64
	Lower    []float64
	X        []float64
	Y        []float64
}

// InvalidGeometryError marks a candidate whose parameter vector produces a
// degenerate shape. It is recoverable: the evaluator scores such candidates
// with the configured penalty instead of invoking the solver.
type InvalidGeometryError struct {
	Reason  string
	Station int
}

func (e *InvalidGeometryError) Error() string {
	if e.Station >= 0 {
		return fmt.Sprintf("invalid geometry at station %d: %s", e.Station, e.Reason)
	}
	return "invalid geometry: " + e.Reason
}

// IsInvalidGeometry reports whether err marks a degenerate candidate shape.
func IsInvalidGeometry(err error) bool {
	var ige *InvalidGeometryError
	return errors.As(err, &ige)
}

// Generate evaluates the CST surfaces of p at a fixed cosine-spaced set of
// chordwise stations and validates the result. Identical parameters always
// produce identical coordinates, so generated surfaces are cacheable and
// mesh-topology stable across candidates.
func Generate(p Params, cfg Config) (*Surface, error) {
	if cfg.Stations < 8 {
		return nil, fmt.Errorf("geometry: need at least 8 stations, got %d", cfg.Stations)
	}
	if len(p.Upper) == 0 || len(p.Lower) == 0 {
		return nil, &InvalidGeometryError{Reason: "empty shape weight set", Station: -1}
	}
	if p.N1 <= 0 || p.N2 <= 0 {
		return nil, &InvalidGeometryError{
			Reason:  fmt.Sprintf("class exponents must be positive, got N1=%g N2=%g", p.N1, p.N2),
			Station: -1,
		}
	}

	x := cosineStations(cfg.Stations)
	upper := make([]float64, len(x))
	lower := make([]float64, len(x))

	halfGap := cfg.TEGap / 2
	for i, xi := range x {
		c := classFunction(xi, p.N1, p.N2)
		upper[i] = c*bernsteinSum(xi, p.Upper) + xi*halfGap
		lower[i] = c*bernsteinSum(xi, p.Lower) - xi*halfGap

		if !isFinite(upper[i]) || !isFinite(lower[i]) {
			return nil, &InvalidGeometryError{Reason: "non-finite surface coordinate", Station: i}
		}
		if upper[i] < lower[i] {
			return nil, &InvalidGeometryError{
				Reason:  fmt.Sprintf("surfaces cross: upper %.6g below lower %.6g", upper[i], lower[i]),
				Station: i,
			}
		}
	}

	s := &Surface{Stations: x, Upper: upper, Lower: lower}
	s.buildOutline()

	if cfg.MaxCurvature > 0 {
		if i, k := s.peakCurvature(); k > cfg.MaxCurvature {
			return nil, &InvalidGeometryError{
				Reason:  fmt.Sprintf("curvature %.4g exceeds limit %.4g", k, cfg.MaxCurvature),
				Station: i,
			}
		}
	}

	return s, nil
}

// MaxThickness returns the largest upper-lower distance and the station at
// which it occurs.
func (s *Surface) MaxThickness() (thickness, atX float64) {
	for i := range s.Stations {
		if t := s.Upper[i] - s.Lower[i]; t > thickness {
			thickness = t
			atX = s.Stations[i]
		}
	}
	return thickness, atX
}

// LeadingEdgeRadius estimates the nose radius from the first station off
// the leading edge, using the osculating circle y^2 = 2 r x of a round
// N1=0.5 nose.
func (s *Surface) LeadingEdgeRadius() float64 {
	for i, xi := range s.Stations {
		if xi > 0 {
			y := s.Upper[i]
			return y * y / (2 * xi)
		}
	}
	return 0
}

// Camber returns the mean-line offset at station i.
func (s *Surface) Camber(i int) float64 {
	return (s.Upper[i] + s.Lower[i]) / 2
}

// Scaled returns a copy of s with all coordinates multiplied by chord.
// Scaling is uniform, so the shape and its validity are unchanged.
func (s *Surface) Scaled(chord float64) *Surface {
	out := &Surface{
		Stations: scale(s.Stations, chord),
		Upper:    scale(s.Upper, chord),
		Lower:    scale(s.Lower, chord),
		X:        scale(s.X, chord),
		Y:        scale(s.Y, chord),
	}
	return out
}

func scale(v []float64, f float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * f
	}
	return out
}

// buildOutline assembles the closed TE -> upper -> LE -> lower -> TE point
// sequence. The leading edge point is shared between the two sides, so it
// appears only once.
func (s *Surface) buildOutline() {
	n := len(s.Stations)
	s.X = make([]float64, 0, 2*n-1)
	s.Y = make([]float64, 0, 2*n-1)
	for i := n - 1; i >= 0; i-- {
		s.X = append(s.X, s.Stations[i])
		s.Y = append(s.Y, s.Upper[i])
	}
	for i := 1; i < n; i++ {
		s.X = append(s.X, s.Stations[i])
		s.Y = append(s.Y, s.Lower[i])
	}
}

// peakCurvature estimates the maximum curvature magnitude of the outline
// polyline with central differences over the arc parameter.
func (s *Surface) peakCurvature() (int, float64) {
	maxK := 0.0
	maxI := -1
	for i := 1; i < len(s.X)-1; i++ {
		dx1 := s.X[i] - s.X[i-1]
		dy1 := s.Y[i] - s.Y[i-1]
		dx2 := s.X[i+1] - s.X[i]
		dy2 := s.Y[i+1] - s.Y[i]

		ds1 := math.Hypot(dx1, dy1)
		ds2 := math.Hypot(dx2, dy2)
		if ds1 == 0 || ds2 == 0 {
			continue
		}

		// Angle turned per unit arc length.
		a1 := math.Atan2(dy1, dx1)
		a2 := math.Atan2(dy2, dx2)
		da := math.Abs(wrapAngle(a2 - a1))
		k := da / ((ds1 + ds2) / 2)
		if k > maxK {
			maxK = k
			maxI = i
		}
	}
	return maxI, maxK
}

// classFunction is C(x) = x^N1 * (1-x)^N2.
func classFunction(x, n1, n2 float64) float64 {
	return math.Pow(x, n1) * math.Pow(1-x, n2)
}

// bernsteinSum evaluates the shape function S(x) = sum_i w_i B_{i,n}(x)
// where B_{i,n} is the Bernstein basis of degree n = len(w)-1.
func bernsteinSum(x float64, w []float64) float64 {
	n := len(w) - 1
	sum := 0.0
	for i, wi := range w {
		sum += wi * binomial(n, i) * math.Pow(x, float64(i)) * math.Pow(1-x, float64(n-i))
	}
	return sum
}

func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	res := 1.0
	for i := 0; i < k; i++ {
		res = res * float64(n-i) / float64(i+1)
	}
	return res
}

// cosineStations returns n chordwise positions on [0, 1] clustered at both
// edges, where meshing and curvature demand resolution.
func cosineStations(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(n-1)))
	}
	return x
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
