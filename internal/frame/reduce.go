package frame

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Reduced is the scalar signal extracted from one frame.
type Reduced struct {
	// PeakAmplitude is the largest sweep-averaged amplitude in the frame.
	PeakAmplitude float64
	// PeakIndex is the column of the peak within its subframe.
	PeakIndex int
	// Subframe is the index of the subframe holding the peak.
	Subframe int
}

// Profile returns the mean absolute amplitude of each point, averaged over
// the sweeps of the subframe.
func (sf Subframe) Profile() ([]float64, error) {
	sweeps := len(sf)
	if sweeps == 0 {
		return nil, fmt.Errorf("%w: no sweeps", ErrMalformedSubframe)
	}
	points := len(sf[0])
	if points == 0 {
		return nil, fmt.Errorf("%w: no points", ErrMalformedSubframe)
	}

	profile := make([]float64, points)
	row := make([]float64, points)
	for i, sweep := range sf {
		if len(sweep) != points {
			return nil, fmt.Errorf("%w: sweep %d has %d points, want %d", ErrMalformedSubframe, i, len(sweep), points)
		}
		for j, s := range sweep {
			row[j] = s.Abs()
		}
		floats.Add(profile, row)
	}
	floats.Scale(1/float64(sweeps), profile)
	return profile, nil
}

// Reduce collapses a frame into its peak amplitude and the position of that
// peak. Ties keep the earliest subframe and the lowest index.
func Reduce(f Frame) (Reduced, error) {
	if len(f.Subframes) == 0 {
		return Reduced{}, ErrEmptyFrame
	}

	var best Reduced
	for i, sf := range f.Subframes {
		profile, err := sf.Profile()
		if err != nil {
			return Reduced{}, fmt.Errorf("subframe %d: %w", i, err)
		}
		idx := floats.MaxIdx(profile)
		if !finite(profile[idx]) {
			return Reduced{}, fmt.Errorf("subframe %d: %w: non-finite amplitude", i, ErrMalformedSubframe)
		}
		if i == 0 || profile[idx] > best.PeakAmplitude {
			best = Reduced{PeakAmplitude: profile[idx], PeakIndex: idx, Subframe: i}
		}
	}
	return best, nil
}
