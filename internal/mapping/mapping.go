// Package mapping turns the position of a radar peak into an actuator
// parameter such as a brightness level or a volume percentage.
package mapping

import (
	"errors"
	"fmt"
	"math"
)

// ErrConfiguration is returned when a mapping cannot be built from its
// configured ranges. It is reported at startup, never per frame.
var ErrConfiguration = errors.New("invalid mapping configuration")

// Range is a closed numeric interval. Min may exceed Max for output ranges,
// which yields a decreasing mapping.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) lo() float64 { return math.Min(r.Min, r.Max) }
func (r Range) hi() float64 { return math.Max(r.Min, r.Max) }

// Clamp limits v to the interval.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.lo(), math.Min(r.hi(), v))
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Mapper linearly interpolates from an input range to an integer output.
type Mapper struct {
	in, out Range
	// integer bounds of the output after rounding
	outLo, outHi int
}

// NewMapper validates the ranges and returns a mapper. The input range must
// be non-degenerate and increasing; the output range must contain at least
// one integer.
func NewMapper(in, out Range) (*Mapper, error) {
	for _, v := range []float64{in.Min, in.Max, out.Min, out.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite range bound", ErrConfiguration)
		}
	}
	if in.Min == in.Max {
		return nil, fmt.Errorf("%w: input range %v is empty", ErrConfiguration, in)
	}
	if in.Min > in.Max {
		return nil, fmt.Errorf("%w: input range %v must be increasing", ErrConfiguration, in)
	}
	outLo, outHi := math.Ceil(out.lo()), math.Floor(out.hi())
	if outLo > outHi {
		return nil, fmt.Errorf("%w: output range %v holds no integer", ErrConfiguration, out)
	}
	return &Mapper{in: in, out: out, outLo: int(outLo), outHi: int(outHi)}, nil
}

// Input returns the input range.
func (m *Mapper) Input() Range { return m.in }

// Output returns the output range.
func (m *Mapper) Output() Range { return m.out }

// Interpolate maps x onto the output range without rounding. x is clamped
// into the input range first.
func (m *Mapper) Interpolate(x float64) float64 {
	x = m.in.Clamp(x)
	return m.out.Min + (x-m.in.Min)*(m.out.Max-m.out.Min)/(m.in.Max-m.in.Min)
}

// Map interpolates x and rounds half to even, the way the radar tooling
// rounds brightness and volume values.
func (m *Mapper) Map(x float64) int {
	v := int(math.RoundToEven(m.Interpolate(x)))
	return min(max(v, m.outLo), m.outHi)
}
