package pump_controller

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

var band = model.ThresholdConfig{Lower: 30, Upper: 60}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		moisture float64
		current  model.PumpState
		want     model.PumpState
		changed  bool
	}{
		{"dry turns on", 29, model.PumpOff, model.PumpOn, true},
		{"at lower turns on", 30, model.PumpOff, model.PumpOn, true},
		{"dry already on", 10, model.PumpOn, model.PumpOn, false},
		{"wet turns off", 61, model.PumpOn, model.PumpOff, true},
		{"at upper turns off", 60, model.PumpOn, model.PumpOff, true},
		{"wet already off", 90, model.PumpOff, model.PumpOff, false},
		{"band holds off", 45, model.PumpOff, model.PumpOff, false},
		{"band holds on", 45, model.PumpOn, model.PumpOn, false},
		{"min moisture", 0, model.PumpOff, model.PumpOn, true},
		{"max moisture", 100, model.PumpOn, model.PumpOff, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decide(tt.moisture, tt.current, band, model.ModeAuto)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Next)
			assert.Equal(t, tt.changed, d.Changed)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideScenario(t *testing.T) {
	state := model.PumpOff
	var got []model.PumpState
	commands := 0
	for _, m := range []float64{65, 50, 29, 31, 61} {
		d, err := Decide(m, state, band, model.ModeAuto)
		require.NoError(t, err)
		if d.Changed {
			commands++
		}
		state = d.Next
		got = append(got, state)
	}
	assert.Equal(t, []model.PumpState{model.PumpOff, model.PumpOff, model.PumpOn, model.PumpOn, model.PumpOff}, got)
	assert.Equal(t, 2, commands)
}

func TestDecideBandNeverChanges(t *testing.T) {
	for m := band.Lower + 0.5; m < band.Upper; m += 0.5 {
		for _, s := range []model.PumpState{model.PumpOn, model.PumpOff} {
			d, err := Decide(m, s, band, model.ModeAuto)
			require.NoError(t, err)
			assert.False(t, d.Changed, "moisture=%v state=%v", m, s)
			assert.Equal(t, s, d.Next)
		}
	}
}

func TestDecideIdempotent(t *testing.T) {
	for _, m := range []float64{0, 15, 30, 45, 60, 80, 100} {
		for _, s := range []model.PumpState{model.PumpOn, model.PumpOff} {
			first, err := Decide(m, s, band, model.ModeAuto)
			require.NoError(t, err)
			second, err := Decide(m, first.Next, band, model.ModeAuto)
			require.NoError(t, err)
			assert.False(t, second.Changed, "moisture=%v state=%v", m, s)
			assert.Equal(t, first.Next, second.Next)
		}
	}
}

func TestDecideManualDoesNothing(t *testing.T) {
	for _, m := range []float64{0, 29, 61, 100, math.NaN(), -5} {
		d, err := Decide(m, model.PumpOff, model.ThresholdConfig{Lower: 70, Upper: 20}, model.ModeManual)
		require.NoError(t, err)
		assert.False(t, d.Changed)
		assert.Equal(t, model.PumpOff, d.Next)
	}
}

func TestDecideInvalidConfiguration(t *testing.T) {
	for _, cfg := range []model.ThresholdConfig{{Lower: 60, Upper: 30}, {Lower: 40, Upper: 40}, {Lower: -1, Upper: 50}} {
		d, err := Decide(10, model.PumpOff, cfg, model.ModeAuto)
		assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
		assert.False(t, d.Changed)
		assert.Equal(t, model.PumpOff, d.Next)
	}
}

func TestDecideInvalidReading(t *testing.T) {
	for _, m := range []float64{-0.1, 100.1, math.NaN(), math.Inf(1)} {
		d, err := Decide(m, model.PumpOn, band, model.ModeAuto)
		assert.ErrorIs(t, err, model.ErrInvalidReading)
		assert.False(t, d.Changed)
	}
}
