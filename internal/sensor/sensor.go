// Package sensor implements the dual-channel photosensor acquisition
// and calibration engine: the averaging read loop with saturation
// detection, basic-count conversion, the gain-calibration state
// machine, and slope correction.
//
// The engine exclusively owns the sensor and light hardware while a
// procedure runs. Entry points block for seconds (a full gain
// calibration for around a minute); callers are responsible for
// serializing access.
package sensor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

// GainTier is one of the four discrete photosensor amplification
// levels.
type GainTier int

const (
	GainLow GainTier = iota
	GainMedium
	GainHigh
	GainMaximum
)

func (g GainTier) String() string {
	switch g {
	case GainLow:
		return "low"
	case GainMedium:
		return "medium"
	case GainHigh:
		return "high"
	case GainMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("gain(%d)", int(g))
	}
}

// Valid reports whether the tier is one of the four defined levels.
func (g GainTier) Valid() bool {
	return g >= GainLow && g <= GainMaximum
}

// IntegrationTime is one of the six discrete sensor integration
// settings.
type IntegrationTime int

const (
	Time100ms IntegrationTime = iota
	Time200ms
	Time300ms
	Time400ms
	Time500ms
	Time600ms
)

// Milliseconds returns the integration period for the setting.
func (t IntegrationTime) Milliseconds() float64 {
	return float64(t+1) * 100.0
}

// Duration returns the integration period as a time.Duration.
func (t IntegrationTime) Duration() time.Duration {
	return time.Duration(t+1) * 100 * time.Millisecond
}

// Valid reports whether the setting is one of the six defined values.
func (t IntegrationTime) Valid() bool {
	return t >= Time100ms && t <= Time600ms
}

func (t IntegrationTime) String() string {
	if !t.Valid() {
		return fmt.Sprintf("time(%d)", int(t))
	}
	return fmt.Sprintf("%dms", int(t.Milliseconds()))
}

// Saturation ceilings. The shortest integration setting is limited by
// the analog front end; every longer setting by the digital counter.
const (
	AnalogSaturation  uint16 = 36863
	DigitalSaturation uint16 = 37888
)

// luxCoefficient is the device constant (glass attenuation times the
// sensor device factor) used to normalize raw counts.
const luxCoefficient = 408.0

// gainBounds is the hardware-plausible range for a measured tier
// ratio, with the datasheet-typical value used as the fallback when a
// measurement lands outside the range.
type gainBounds struct {
	min, typ, max float64
}

var (
	mediumGainBounds  = gainBounds{min: 22.0, typ: 24.5, max: 27.0}
	highGainBounds    = gainBounds{min: 360.0, typ: 400.0, max: 440.0}
	maxGainCh0Bounds  = gainBounds{min: 8280.0, typ: 9200.0, max: 10120.0}
	maxGainCh1Bounds  = gainBounds{min: 8910.0, typ: 9900.0, max: 10890.0}
	allGainBoundTiers = []gainBounds{mediumGainBounds, highGainBounds, maxGainCh0Bounds, maxGainCh1Bounds}
)

// DefaultGainCalibration is the datasheet-typical gain table, used
// for conversions while the device is uncalibrated.
func DefaultGainCalibration() settings.GainCalibration {
	return settings.GainCalibration{
		Ch0Medium:  mediumGainBounds.typ,
		Ch1Medium:  mediumGainBounds.typ,
		Ch0High:    highGainBounds.typ,
		Ch1High:    highGainBounds.typ,
		Ch0Maximum: maxGainCh0Bounds.typ,
		Ch1Maximum: maxGainCh1Bounds.typ,
	}
}

// Reading is a single raw dual-channel sensor reading, produced once
// per hardware cycle.
type Reading struct {
	Ch0       uint16
	Ch1       uint16
	Gain      GainTier
	Time      IntegrationTime
	Sequence  uint32
	Timestamp time.Time
}

// Driver is the photosensor hardware boundary.
//
// Start resets the cycle sequence; the first delivered reading has
// Sequence 1 and the counter is monotonic until Stop. Reconfiguring a
// running driver invalidates the in-flight cycle and the settling
// cycle that follows it: those two sequence numbers are consumed but
// never delivered.
type Driver interface {
	Configure(gain GainTier, integ IntegrationTime) error
	Start() error
	Stop() error
	NextReading(timeout time.Duration) (Reading, error)
}

// LightSource selects which illumination path is active.
type LightSource int

const (
	LightOff LightSource = iota
	LightReflection
	LightTransmission
)

func (l LightSource) String() string {
	switch l {
	case LightOff:
		return "off"
	case LightReflection:
		return "reflection"
	case LightTransmission:
		return "transmission"
	default:
		return fmt.Sprintf("light(%d)", int(l))
	}
}

// Light is the LED controller boundary. Levels are PWM duty units
// 0..255; zero is off.
type Light interface {
	SetReflection(level uint8) error
	SetTransmission(level uint8) error
}

// Idle levels keep the lights faintly lit between measurements,
// distinct from fully off.
const (
	ReflectionIdle   uint8 = 16
	TransmissionIdle uint8 = 16
)

// defaultReadBrightness is used when no light calibration is stored.
const defaultReadBrightness uint8 = 128

// Error taxonomy. Wrapped values carry detail; callers classify with
// errors.Is.
var (
	// ErrParameter reports bad arguments, checked before any
	// hardware access.
	ErrParameter = errors.New("invalid parameter")
	// ErrCalibration reports missing or implausible calibration, or
	// a reading too small to trust.
	ErrCalibration = errors.New("invalid calibration")
	// ErrSensor reports a timeout, a dropped or out-of-order cycle,
	// or a driver I/O failure.
	ErrSensor = errors.New("sensor failure")
	// ErrCancelled reports an abort requested by a progress
	// observer.
	ErrCancelled = errors.New("cancelled")
)

// Timing groups every delay and timeout the engine uses. Tests shrink
// these to keep runs fast; production uses DefaultTiming.
type Timing struct {
	// ReadTimeout bounds a measurement-phase reading wait.
	ReadTimeout time.Duration
	// ProbeTimeout bounds the initial gain-detection reading.
	ProbeTimeout time.Duration
	// SyncTimeout bounds waits around reconfiguration and light
	// synchronization, which can span a full 600ms cycle.
	SyncTimeout time.Duration
	// StabilizeDelay is the settling pause after sensor power-up.
	StabilizeDelay time.Duration
	// CooldownPeriod is one LED thermal cooldown tick; CooldownTicks
	// of them make a full cooldown.
	CooldownPeriod time.Duration
	CooldownTicks  int
	// DwellLow and DwellHigh are the thermal settling pauses between
	// brightness-search steps, below and at/above DwellThreshold.
	DwellLow      time.Duration
	DwellHigh     time.Duration
	DwellThreshold uint8
}

// DefaultTiming returns the hardware timing profile.
func DefaultTiming() Timing {
	return Timing{
		ReadTimeout:    500 * time.Millisecond,
		ProbeTimeout:   1000 * time.Millisecond,
		SyncTimeout:    2000 * time.Millisecond,
		StabilizeDelay: 1000 * time.Millisecond,
		CooldownPeriod: 1000 * time.Millisecond,
		CooldownTicks:  5,
		DwellLow:       1000 * time.Millisecond,
		DwellHigh:      2000 * time.Millisecond,
		DwellThreshold: 64,
	}
}

// Engine coordinates the photosensor driver and light controller for
// measurements and calibration procedures.
type Engine struct {
	drv    Driver
	light  Light
	store  settings.Store
	logger *slog.Logger
	timing Timing

	mu      sync.Mutex
	running bool
	pending *lightRequest
}

type lightRequest struct {
	source LightSource
	level  uint8
}

// NewEngine wires an engine to its hardware and settings store.
func NewEngine(drv Driver, light Light, store settings.Store, timing Timing, logger *slog.Logger) (*Engine, error) {
	if drv == nil || light == nil || store == nil {
		return nil, fmt.Errorf("%w: nil hardware or store", ErrParameter)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateHardwareTables(); err != nil {
		return nil, err
	}

	return &Engine{
		drv:    drv,
		light:  light,
		store:  store,
		logger: logger,
		timing: timing,
	}, nil
}

// validateHardwareTables sanity-checks the per-tier constant tables
// once at startup so a bad edit fails loudly instead of skewing
// measurements.
func validateHardwareTables() error {
	for _, b := range allGainBoundTiers {
		if !(b.min < b.typ && b.typ < b.max) || b.min < 1.0 {
			return fmt.Errorf("%w: malformed gain bounds %+v", ErrParameter, b)
		}
	}
	for t := Time100ms; t <= Time600ms; t++ {
		if t.Milliseconds() <= 0 {
			return fmt.Errorf("%w: malformed integration table", ErrParameter)
		}
	}
	if AnalogSaturation == 0 || DigitalSaturation == 0 {
		return fmt.Errorf("%w: malformed saturation ceilings", ErrParameter)
	}
	return nil
}

// IsSaturated reports whether either channel meets or exceeds the
// ceiling for the reading's integration setting.
func IsSaturated(r Reading) bool {
	limit := DigitalSaturation
	if r.Time == Time100ms {
		limit = AnalogSaturation
	}
	return r.Ch0 >= limit || r.Ch1 >= limit
}

// ConvertToBasicCounts normalizes a raw reading by integration time
// and calibrated gain so values are comparable across tiers. The gain
// table is read once per conversion; an uncalibrated store falls back
// to datasheet-typical multipliers.
func (e *Engine) ConvertToBasicCounts(r Reading) (ch0, ch1 float64) {
	gcal, ok := e.store.GainCalibration()
	if !ok {
		gcal = DefaultGainCalibration()
	}
	g0, g1 := gainFields(gcal, r.Gain)

	atime := r.Time.Milliseconds()
	ch0cpl := (atime * g0) / luxCoefficient
	ch1cpl := (atime * g1) / luxCoefficient

	return float64(r.Ch0) / ch0cpl, float64(r.Ch1) / ch1cpl
}

// gainFields returns the per-channel multipliers for a tier; the low
// tier is the 1.0 reference by definition.
func gainFields(g settings.GainCalibration, tier GainTier) (ch0, ch1 float64) {
	switch tier {
	case GainMedium:
		return g.Ch0Medium, g.Ch1Medium
	case GainHigh:
		return g.Ch0High, g.Ch1High
	case GainMaximum:
		return g.Ch0Maximum, g.Ch1Maximum
	default:
		return 1.0, 1.0
	}
}

// ApplySlopeCorrection maps a basic reading through the quadratic
// slope-correction curve. Correction never fails: an invalid reading
// or missing calibration passes the value through unchanged.
func (e *Engine) ApplySlopeCorrection(reading float64) float64 {
	if math.IsNaN(reading) || math.IsInf(reading, 0) || reading <= 0 {
		e.logger.Warn("slope correction skipped for invalid reading", "reading", reading)
		return reading
	}

	cal, ok := e.store.SlopeCalibration()
	if !ok {
		return reading
	}

	l := math.Log10(reading)
	expected := cal.B0 + cal.B1*l + cal.B2*l*l
	return math.Pow(10.0, expected)
}

// setLightMode drives one light source at the given level and the
// other off. With nextCycle set while the sensor is running, the
// change is deferred to the next cycle boundary; before start it
// takes effect from the first cycle.
func (e *Engine) setLightMode(source LightSource, nextCycle bool, level uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if nextCycle && e.running {
		e.pending = &lightRequest{source: source, level: level}
		return nil
	}
	e.pending = nil
	return e.applyLight(source, level)
}

func (e *Engine) applyLight(source LightSource, level uint8) error {
	var refl, trans uint8
	switch source {
	case LightReflection:
		refl = level
	case LightTransmission:
		trans = level
	case LightOff:
	default:
		return fmt.Errorf("%w: light source %v", ErrParameter, source)
	}

	if err := e.light.SetReflection(refl); err != nil {
		return fmt.Errorf("%w: set reflection light: %v", ErrSensor, err)
	}
	if err := e.light.SetTransmission(trans); err != nil {
		return fmt.Errorf("%w: set transmission light: %v", ErrSensor, err)
	}
	return nil
}

// SetLightIdle returns a light source to its idle level, used between
// measurements so the next one starts from a thermally settled state.
func (e *Engine) SetLightIdle(source LightSource) error {
	switch source {
	case LightReflection:
		return e.setLightMode(LightReflection, false, ReflectionIdle)
	case LightTransmission:
		return e.setLightMode(LightTransmission, false, TransmissionIdle)
	default:
		return e.setLightMode(LightOff, false, 0)
	}
}

// nextReading waits for the next sensor cycle and applies any pending
// light change so it takes effect at the start of the following
// period.
func (e *Engine) nextReading(timeout time.Duration) (Reading, error) {
	r, err := e.drv.NextReading(timeout)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: next reading: %v", ErrSensor, err)
	}

	e.mu.Lock()
	if e.pending != nil {
		req := *e.pending
		e.pending = nil
		e.mu.Unlock()
		if lerr := e.setLightMode(req.source, false, req.level); lerr != nil {
			return Reading{}, lerr
		}
	} else {
		e.mu.Unlock()
	}
	return r, nil
}

func (e *Engine) startSensor() error {
	if err := e.drv.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrSensor, err)
	}
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) stopSensor() {
	if err := e.drv.Stop(); err != nil {
		e.logger.Warn("sensor stop failed", "error", err)
	}
	e.mu.Lock()
	e.running = false
	e.pending = nil
	e.mu.Unlock()
}

func (e *Engine) configure(gain GainTier, integ IntegrationTime) error {
	if !gain.Valid() || !integ.Valid() {
		return fmt.Errorf("%w: gain=%v time=%v", ErrParameter, gain, integ)
	}
	if err := e.drv.Configure(gain, integ); err != nil {
		return fmt.Errorf("%w: configure: %v", ErrSensor, err)
	}
	return nil
}

// readBrightness returns the calibrated measurement brightness for a
// light source, falling back to the uncalibrated default.
func (e *Engine) readBrightness(source LightSource) uint8 {
	cal, ok := e.store.LightCalibration()
	if !ok {
		if source != LightOff {
			e.logger.Warn("using default light brightness, no calibration stored")
		}
		cal = settings.LightCalibration{
			Reflection:   defaultReadBrightness,
			Transmission: defaultReadBrightness,
		}
	}

	switch source {
	case LightReflection:
		return cal.Reflection
	case LightTransmission:
		return cal.Transmission
	default:
		return 0
	}
}
