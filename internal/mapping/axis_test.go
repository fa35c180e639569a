package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAxisKind(t *testing.T) {
	for in, want := range map[string]AxisKind{
		"":         AxisDistance,
		"distance": AxisDistance,
		" Index ":  AxisIndex,
		"DISTANCE": AxisDistance,
	} {
		got, err := ParseAxisKind(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseAxisKind("metres")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAxis_Distance(t *testing.T) {
	a := Axis{Kind: AxisDistance, StartPoint: 80, StepLength: 1}
	assert.InDelta(t, 0.2, a.Distance(0), 1e-12)
	assert.InDelta(t, 0.45, a.Distance(100), 1e-12)
	assert.InDelta(t, 0.45, a.Value(100), 1e-12)

	stepped := Axis{Kind: AxisDistance, StartPoint: 80, StepLength: 2}
	assert.InDelta(t, 0.25, stepped.Distance(10), 1e-12)
}

func TestAxis_Index(t *testing.T) {
	a := Axis{Kind: AxisIndex}
	assert.Equal(t, 170.0, a.Value(170))
	assert.NoError(t, a.Validate())
}

func TestAxis_Validate(t *testing.T) {
	assert.ErrorIs(t, Axis{Kind: AxisDistance}.Validate(), ErrConfiguration)
	assert.ErrorIs(t, Axis{Kind: "bogus", StepLength: 1}.Validate(), ErrConfiguration)
}

func TestAxisDistance_BrightnessMapping(t *testing.T) {
	// Peak at column 100 of a sweep starting at point 80 sits at 0.45 m,
	// which is 4/7 of the way through 0.25-0.6 m.
	a := Axis{Kind: AxisDistance, StartPoint: 80, StepLength: 1}
	m := mustMapper(Range{0.25, 0.6}, Range{0, 255})
	assert.Equal(t, 146, m.Map(a.Value(100)))
	// closer than the near edge turns the light fully down
	assert.Equal(t, 0, m.Map(a.Value(0)))
}
