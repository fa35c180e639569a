package mapping

import (
	"fmt"
	"strings"
)

// BaseStepMetres is the distance covered by one base step of the A121
// distance axis (2.5 mm).
const BaseStepMetres = 2.5e-3

// AxisKind selects what a peak position is expressed in before mapping.
type AxisKind string

const (
	// AxisIndex maps the raw column index of the peak.
	AxisIndex AxisKind = "index"
	// AxisDistance converts the column into metres first.
	AxisDistance AxisKind = "distance"
)

// ParseAxisKind parses an axis name. An empty string selects AxisDistance.
func ParseAxisKind(s string) (AxisKind, error) {
	switch AxisKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", AxisDistance:
		return AxisDistance, nil
	case AxisIndex:
		return AxisIndex, nil
	default:
		return "", fmt.Errorf("%w: unknown axis %q (want index or distance)", ErrConfiguration, s)
	}
}

// Axis describes the sweep geometry: the first measured point and the
// spacing between points, both in base steps.
type Axis struct {
	Kind       AxisKind
	StartPoint int
	StepLength int
}

// Validate checks the sweep geometry.
func (a Axis) Validate() error {
	if a.Kind != AxisIndex && a.Kind != AxisDistance {
		return fmt.Errorf("%w: unknown axis %q", ErrConfiguration, a.Kind)
	}
	if a.Kind == AxisDistance && a.StepLength <= 0 {
		return fmt.Errorf("%w: step length must be positive, got %d", ErrConfiguration, a.StepLength)
	}
	return nil
}

// Distance returns the distance in metres of the point at peakIndex.
func (a Axis) Distance(peakIndex int) float64 {
	return float64(a.StartPoint+peakIndex*a.StepLength) * BaseStepMetres
}

// Value expresses peakIndex on this axis.
func (a Axis) Value(peakIndex int) float64 {
	if a.Kind == AxisIndex {
		return float64(peakIndex)
	}
	return a.Distance(peakIndex)
}
