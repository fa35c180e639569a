// Package frame defines radar frames and reduces them to a scalar peak.
//
// A frame is one acquisition cycle made of subframes. Each subframe is a
// matrix of samples where rows are repeated sweeps and columns are distance
// points along one sweep.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

var (
	// ErrEmptyFrame is returned when a frame carries no subframes.
	ErrEmptyFrame = errors.New("frame has no subframes")
	// ErrMalformedSubframe is returned for subframes with no sweeps, no
	// points, or rows of different lengths.
	ErrMalformedSubframe = errors.New("malformed subframe")
)

// Sample is one radar sample. Sensors in IQ mode deliver complex values;
// amplitude-only sources deliver reals with a zero imaginary part.
type Sample complex128

// Abs returns the sample amplitude.
func (s Sample) Abs() float64 {
	return cmplx.Abs(complex128(s))
}

// UnmarshalJSON accepts either a bare number or a [re, im] pair.
func (s *Sample) UnmarshalJSON(b []byte) error {
	var re float64
	if err := json.Unmarshal(b, &re); err == nil {
		*s = Sample(complex(re, 0))
		return nil
	}
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("sample must be a number or [re, im]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("sample pair has %d elements, want 2", len(pair))
	}
	*s = Sample(complex(pair[0], pair[1]))
	return nil
}

// MarshalJSON encodes the sample as a [re, im] pair.
func (s Sample) MarshalJSON() ([]byte, error) {
	c := complex128(s)
	return json.Marshal([2]float64{real(c), imag(c)})
}

// Subframe is a sweeps x points sample matrix.
type Subframe [][]Sample

// Points returns the number of distance points per sweep.
func (sf Subframe) Points() int {
	if len(sf) == 0 {
		return 0
	}
	return len(sf[0])
}

// Frame is one acquisition cycle as delivered by a frame source.
type Frame struct {
	Seq       uint64     `json:"seq"`
	Subframes []Subframe `json:"subframes"`
}

// Decode parses one newline-delimited JSON frame.
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// FromAmplitudes builds a single-subframe frame from real-valued sweeps.
// Handy for synthetic sources and tests.
func FromAmplitudes(seq uint64, sweeps ...[]float64) Frame {
	sf := make(Subframe, len(sweeps))
	for i, row := range sweeps {
		sf[i] = make([]Sample, len(row))
		for j, v := range row {
			sf[i][j] = Sample(complex(v, 0))
		}
	}
	return Frame{Seq: seq, Subframes: []Subframe{sf}}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
