package pump_controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

func newJob(device string, state model.PumpState) *job {
	return &job{
		cmd:   model.PumpCommand{DeviceID: device, State: state},
		reply: make(chan error, 1),
	}
}

func TestDispatcherOneInFlightLastIntentWins(t *testing.T) {
	d := newDispatcher()

	a := newJob("g1", model.PumpOn)
	start, sup := d.submit(a)
	assert.Same(t, a, start)
	assert.Nil(t, sup)
	assert.True(t, d.busy("g1"))

	b := newJob("g1", model.PumpOff)
	start, sup = d.submit(b)
	assert.Nil(t, start)
	assert.Nil(t, sup)
	assert.True(t, d.hasQueued("g1"))

	c := newJob("g1", model.PumpOn)
	start, sup = d.submit(c)
	assert.Nil(t, start)
	assert.Same(t, b, sup)

	next := d.complete("g1")
	assert.Same(t, c, next)
	assert.True(t, d.busy("g1"))
	assert.False(t, d.hasQueued("g1"))

	assert.Nil(t, d.complete("g1"))
	assert.False(t, d.busy("g1"))
}

func TestDispatcherDevicesAreIndependent(t *testing.T) {
	d := newDispatcher()

	start, _ := d.submit(newJob("g1", model.PumpOn))
	assert.NotNil(t, start)
	start, _ = d.submit(newJob("g2", model.PumpOn))
	assert.NotNil(t, start)
	assert.False(t, d.hasQueued("g1"))
	assert.False(t, d.hasQueued("g2"))
}

func TestDispatcherDrain(t *testing.T) {
	d := newDispatcher()
	d.submit(newJob("g1", model.PumpOn))
	q := newJob("g1", model.PumpOff)
	d.submit(q)

	drained := d.drain()
	assert.Equal(t, []*job{q}, drained)
	assert.False(t, d.hasQueued("g1"))
}

func TestJobRelease(t *testing.T) {
	j := newJob("g1", model.PumpOn)
	j.release(ErrSuperseded)
	assert.ErrorIs(t, <-j.reply, ErrSuperseded)

	(&job{}).release(nil)
}
