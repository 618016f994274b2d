package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

const (
	// gainPerMin is the moisture gained per minute while the pump runs, in percent points.
	gainPerMin = 6.0

	defaultMoisture    = 45.0
	defaultTemperature = 22.0
	defaultHumidity    = 50.0
)

// DataGenerator keeps the simulated soil and air state of one garden and advances it
// with wall-clock time: moisture rises while the pump is ON and decays while OFF,
// temperature and humidity random-walk around their start values.
type DataGenerator struct {
	mu          sync.Mutex
	deviceID    string
	last        time.Time
	moisture    float64 // [0..100]
	temperature float64
	humidity    float64
	decayPerMin float64
	rnd         *rand.Rand
	now         func() time.Time
}

// NewDataGenerator creates a generator for deviceID decaying decayPerMin percent
// points per minute with the pump OFF. seed makes the noise reproducible.
func NewDataGenerator(deviceID string, decayPerMin float64, seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		deviceID:    deviceID,
		moisture:    defaultMoisture,
		temperature: defaultTemperature,
		humidity:    defaultHumidity,
		decayPerMin: math.Max(0, decayPerMin),
		rnd:         rand.New(rand.NewSource(seed)),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Seed overrides the starting moisture.
func (g *DataGenerator) Seed(moisture float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.moisture = clamp(moisture, 0, 100)
}

// Next advances the state by the time elapsed since the previous call and returns
// the snapshot the device would publish.
func (g *DataGenerator) Next(pump model.PumpState) model.MonitorSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.last.IsZero() {
		g.last = now
	}
	dtMin := math.Max(0, now.Sub(g.last).Minutes())
	g.last = now

	if pump == model.PumpOn {
		g.moisture = clamp(g.moisture+gainPerMin*dtMin, 0, 100)
	} else {
		g.moisture = clamp(g.moisture-g.decayPerMin*dtMin, 0, 100)
	}
	g.temperature = clamp(g.temperature+g.rnd.NormFloat64()*0.2, -20, 50)
	g.humidity = clamp(g.humidity+g.rnd.NormFloat64()*0.5, 0, 100)

	return model.MonitorSnapshot{
		DeviceID:     g.deviceID,
		SoilMoisture: round1(g.moisture),
		Temperature:  round1(g.temperature),
		Humidity:     round1(g.humidity),
		PumpStatus:   pump.Bool(),
		Timestamp:    now,
	}
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
