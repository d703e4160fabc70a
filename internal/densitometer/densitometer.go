// Package densitometer converts calibrated sensor readings into
// reflection and transmission density values.
package densitometer

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/sensor"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

// Mode selects the measurement geometry.
type Mode string

const (
	ModeReflection   Mode = "reflection"
	ModeTransmission Mode = "transmission"
)

// Measurement is a completed density measurement. Reading is the
// averaged basic-count value (channel difference); CorrectedReading
// has the slope-correction curve applied where that is part of the
// model.
type Measurement struct {
	Mode             Mode      `json:"mode"`
	Density          float64   `json:"density"`
	Reading          float64   `json:"reading"`
	CorrectedReading float64   `json:"corrected_reading"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	measureReadIterations = 2
	calReadIterations     = 5

	reflectionCalMaxDensity   = 2.50
	transmissionCalMaxDensity = 4.00

	// Readings below this magnitude cannot be trusted for a
	// calibration point.
	minCalReading = 0.01
)

// Densitometer owns the measurement hardware through the sensor
// engine and serializes every hardware procedure: concurrent
// invocations queue on an internal mutex.
type Densitometer struct {
	engine *sensor.Engine
	store  settings.Store
	logger *slog.Logger

	// mu serializes hardware access
	mu sync.Mutex

	lastMu           sync.RWMutex
	lastReflection   *Measurement
	lastTransmission *Measurement

	subsMu sync.RWMutex
	subs   map[chan Measurement]struct{}
}

// New creates a densitometer on top of a sensor engine.
func New(engine *sensor.Engine, store settings.Store, logger *slog.Logger) *Densitometer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Densitometer{
		engine: engine,
		store:  store,
		logger: logger,
		subs:   make(map[chan Measurement]struct{}),
	}
}

// MeasureReflection measures reflection density against the stored
// two-point calibration. The light returns to its idle level on every
// exit path.
func (d *Densitometer) MeasureReflection(progress func()) (Measurement, error) {
	cal, ok := d.store.ReflectionCalibration()
	if !ok {
		d.logger.Warn("invalid reflection calibration values", "cal", cal)
		return Measurement{}, fmt.Errorf("%w: reflection points not calibrated", sensor.ErrCalibration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.idleLight(sensor.LightReflection)

	value, err := d.readChannelDifference(sensor.LightReflection, measureReadIterations, progress)
	if err != nil {
		return Measurement{}, err
	}

	measLL := math.Log10(value)
	calHiLL := math.Log10(cal.HiReading)
	calLoLL := math.Log10(cal.LoReading)

	m := (cal.HiDensity - cal.LoDensity) / (calHiLL - calLoLL)
	density := m*(measLL-calLoLL) + cal.LoDensity

	d.logger.Info("reflection measurement", "density", density, "reading", value)

	result := Measurement{
		Mode:             ModeReflection,
		Density:          density,
		Reading:          value,
		CorrectedReading: value,
		Timestamp:        time.Now(),
	}
	d.recordMeasurement(result)
	return result, nil
}

// MeasureTransmission measures transmission density relative to the
// stored zero reference, scaled by the high-point adjustment factor
// so the result self-calibrates against a known reference instead of
// trusting absolute linearity.
func (d *Densitometer) MeasureTransmission(progress func()) (Measurement, error) {
	cal, ok := d.store.TransmissionCalibration()
	if !ok {
		d.logger.Warn("invalid transmission calibration values", "cal", cal)
		return Measurement{}, fmt.Errorf("%w: transmission points not calibrated", sensor.ErrCalibration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.idleLight(sensor.LightTransmission)

	value, err := d.readChannelDifference(sensor.LightTransmission, measureReadIterations, progress)
	if err != nil {
		return Measurement{}, err
	}

	corrValue := d.engine.ApplySlopeCorrection(value)

	// Density the calibration point implies for itself, relative to
	// the zero reference
	calHiMeasD := -math.Log10(cal.HiReading / cal.ZeroReading)

	measD := -math.Log10(corrValue / cal.ZeroReading)

	adjFactor := cal.HiDensity / calHiMeasD
	density := measD * adjFactor

	d.logger.Info("transmission measurement", "density", density, "reading", value, "corrected", corrValue)

	result := Measurement{
		Mode:             ModeTransmission,
		Density:          density,
		Reading:          value,
		CorrectedReading: corrValue,
		Timestamp:        time.Now(),
	}
	d.recordMeasurement(result)
	return result, nil
}

// CalibrateReflectionLo captures the low-density reflection point at
// the given known density.
func (d *Densitometer) CalibrateReflectionLo(density float64) error {
	return d.calibratePoint(density, 0, reflectionCalMaxDensity, sensor.LightReflection,
		func(reading float64) error { return d.store.SetReflectionLo(density, reading) })
}

// CalibrateReflectionHi captures the high-density reflection point at
// the given known density.
func (d *Densitometer) CalibrateReflectionHi(density float64) error {
	return d.calibratePoint(density, 0, reflectionCalMaxDensity, sensor.LightReflection,
		func(reading float64) error { return d.store.SetReflectionHi(density, reading) })
}

// CalibrateTransmissionZero captures the unattenuated transmission
// reference.
func (d *Densitometer) CalibrateTransmissionZero() error {
	return d.calibratePoint(0, 0, 0, sensor.LightTransmission,
		func(reading float64) error { return d.store.SetTransmissionZero(reading) })
}

// CalibrateTransmissionHi captures the high-density transmission
// point at the given known density.
func (d *Densitometer) CalibrateTransmissionHi(density float64) error {
	return d.calibratePoint(density, 0, transmissionCalMaxDensity, sensor.LightTransmission,
		func(reading float64) error { return d.store.SetTransmissionHi(density, reading) })
}

// calibratePoint runs the shared point-calibration sequence: validate
// the density argument, average five cycles, reject readings too
// small to trust, persist. Cross-point relationship checks are
// deferred to measurement time.
func (d *Densitometer) calibratePoint(density, minD, maxD float64, source sensor.LightSource,
	save func(reading float64) error) error {

	if maxD > 0 && (math.IsNaN(density) || density < minD || density > maxD) {
		return fmt.Errorf("%w: density %.2f outside [%.2f, %.2f]", sensor.ErrParameter, density, minD, maxD)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.idleLight(source)

	value, err := d.readChannelDifference(source, calReadIterations, nil)
	if err != nil {
		return err
	}

	if value < minCalReading {
		return fmt.Errorf("%w: reading %.6f too small to trust", sensor.ErrCalibration, value)
	}

	if err := save(value); err != nil {
		return fmt.Errorf("save calibration point: %w", err)
	}

	d.logger.Info("calibration point saved", "light", source, "density", density, "reading", value)
	return nil
}

// CalibrateGain runs the full gain calibration, serialized with
// measurements.
func (d *Densitometer) CalibrateGain(obs sensor.GainCalObserver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.CalibrateGain(obs)
}

// readChannelDifference performs a target read and reduces it to the
// single basic-count value used by the density models. Channel 1 is
// clamped to zero if it would invert the sign of the difference.
func (d *Densitometer) readChannelDifference(source sensor.LightSource, iterations int, progress func()) (float64, error) {
	ch0, ch1, err := d.engine.ReadTarget(source, iterations, progress)
	if err != nil {
		d.logger.Warn("sensor read error", "error", err)
		return math.NaN(), err
	}

	if ch1 >= ch0 {
		ch1 = 0
	}
	return ch0 - ch1, nil
}

func (d *Densitometer) idleLight(source sensor.LightSource) {
	if err := d.engine.SetLightIdle(source); err != nil {
		d.logger.Warn("failed to restore idle light", "light", source, "error", err)
	}
}

// recordMeasurement replaces the last reading for the mode and
// notifies subscribers. Last readings are owned here, not in process
// globals, so simulated instances stay isolated.
func (d *Densitometer) recordMeasurement(m Measurement) {
	d.lastMu.Lock()
	switch m.Mode {
	case ModeReflection:
		d.lastReflection = &m
	case ModeTransmission:
		d.lastTransmission = &m
	}
	d.lastMu.Unlock()

	d.subsMu.RLock()
	for ch := range d.subs {
		select {
		case ch <- m:
		default:
			// Drop if subscriber is slow
		}
	}
	d.subsMu.RUnlock()
}

// Last returns the most recent measurement for a mode, if any.
func (d *Densitometer) Last(mode Mode) (Measurement, bool) {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()

	var m *Measurement
	switch mode {
	case ModeReflection:
		m = d.lastReflection
	case ModeTransmission:
		m = d.lastTransmission
	}
	if m == nil {
		return Measurement{}, false
	}
	return *m, true
}

// Subscribe returns a channel receiving completed measurements.
func (d *Densitometer) Subscribe() chan Measurement {
	ch := make(chan Measurement, 10)

	d.subsMu.Lock()
	d.subs[ch] = struct{}{}
	d.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (d *Densitometer) Unsubscribe(ch chan Measurement) {
	d.subsMu.Lock()
	if _, ok := d.subs[ch]; ok {
		delete(d.subs, ch)
		close(ch)
	}
	d.subsMu.Unlock()
}
