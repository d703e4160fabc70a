package sensor

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SimLight is a simulated light controller. It records the level of
// each source so a SimDriver can model the optical response.
type SimLight struct {
	mu           sync.Mutex
	reflection   uint8
	transmission uint8
}

// NewSimLight creates a simulated light controller with both sources
// off.
func NewSimLight() *SimLight {
	return &SimLight{}
}

func (l *SimLight) SetReflection(level uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reflection = level
	return nil
}

func (l *SimLight) SetTransmission(level uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transmission = level
	return nil
}

// Reflection returns the current reflection level.
func (l *SimLight) Reflection() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reflection
}

// Transmission returns the current transmission level.
func (l *SimLight) Transmission() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transmission
}

// SimDriver is a simulated photosensor driver with a simple linear
// optical model: counts grow with LED brightness, integration time
// and tier gain, attenuated by the simulated target density, and
// clamp at the 16-bit ceiling. Deterministic, so tests can assert
// exact results.
type SimDriver struct {
	mu      sync.Mutex
	light   *SimLight
	gain    GainTier
	integ   IntegrationTime
	running bool
	seq     uint32

	// Scene model
	darkCounts   float64 // counts with no light, at low gain / 100ms
	responsivity float64 // counts per brightness unit at low gain / 100ms
	density      float64 // optical density of the simulated target
	irFraction   float64 // channel 1 as a fraction of channel 0

	// cycleDelay, when non-zero, paces readings like real hardware
	cycleDelay time.Duration

	ch0Gains [4]float64
	ch1Gains [4]float64
}

// NewSimDriver creates a simulated driver observing the given light.
func NewSimDriver(light *SimLight) *SimDriver {
	g := DefaultGainCalibration()
	return &SimDriver{
		light:        light,
		darkCounts:   0.2,
		responsivity: 0.4375,
		irFraction:   0.2,
		ch0Gains:     [4]float64{1.0, g.Ch0Medium, g.Ch0High, g.Ch0Maximum},
		ch1Gains:     [4]float64{1.0, g.Ch1Medium, g.Ch1High, g.Ch1Maximum},
	}
}

// SetScene adjusts the optical model.
func (d *SimDriver) SetScene(responsivity, density float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responsivity = responsivity
	d.density = density
}

// SetDensity changes only the simulated target density.
func (d *SimDriver) SetDensity(density float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.density = density
}

// SetCycleDelay paces NextReading like real hardware; zero (the
// default) delivers readings immediately.
func (d *SimDriver) SetCycleDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycleDelay = delay
}

func (d *SimDriver) Configure(gain GainTier, integ IntegrationTime) error {
	if !gain.Valid() || !integ.Valid() {
		return fmt.Errorf("sim: invalid config gain=%v time=%v", gain, integ)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.gain = gain
	d.integ = integ
	if d.running {
		// The in-flight and settling cycles are never delivered
		d.seq += 2
	}
	return nil
}

func (d *SimDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("sim: already running")
	}
	d.running = true
	d.seq = 0
	return nil
}

func (d *SimDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *SimDriver) NextReading(timeout time.Duration) (Reading, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return Reading{}, fmt.Errorf("sim: not running")
	}

	delay := d.cycleDelay
	d.seq++
	seq := d.seq
	gain := d.gain
	integ := d.integ

	brightness := 0.0
	if d.light != nil {
		if r := d.light.Reflection(); r > 0 {
			brightness = float64(r)
		} else if t := d.light.Transmission(); t > 0 {
			brightness = float64(t)
		}
	}

	atten := math.Pow(10.0, -d.density)
	timeScale := integ.Milliseconds() / 100.0
	base := d.darkCounts + d.responsivity*brightness*atten
	ch0 := base * d.ch0Gains[gain] * timeScale
	ch1 := base * d.irFraction * d.ch1Gains[gain] * timeScale
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	return Reading{
		Ch0:       clampCounts(ch0),
		Ch1:       clampCounts(ch1),
		Gain:      gain,
		Time:      integ,
		Sequence:  seq,
		Timestamp: time.Now(),
	}, nil
}

func clampCounts(v float64) uint16 {
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	if v <= 0 {
		return 0
	}
	return uint16(math.Round(v))
}
