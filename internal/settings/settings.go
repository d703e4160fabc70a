// Package settings persists device calibration between runs.
//
// Every calibration entity defaults to an explicit "uncalibrated"
// sentinel (NaN fields). A load failure is indistinguishable from an
// uncalibrated device: getters simply report the value as invalid.
package settings

import "math"

// GainCalibration holds per-channel gain multipliers for each sensor
// gain tier, relative to the low tier which is defined as 1.0.
type GainCalibration struct {
	Ch0Medium  float64 `mapstructure:"ch0_medium"`
	Ch1Medium  float64 `mapstructure:"ch1_medium"`
	Ch0High    float64 `mapstructure:"ch0_high"`
	Ch1High    float64 `mapstructure:"ch1_high"`
	Ch0Maximum float64 `mapstructure:"ch0_maximum"`
	Ch1Maximum float64 `mapstructure:"ch1_maximum"`
}

// Valid reports whether every multiplier is a finite value of at
// least 1.0. Hardware-plausibility clamping happens when the table is
// measured, so anything stored here only needs the basic invariant.
func (g GainCalibration) Valid() bool {
	for _, v := range []float64{
		g.Ch0Medium, g.Ch1Medium,
		g.Ch0High, g.Ch1High,
		g.Ch0Maximum, g.Ch1Maximum,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 1.0 {
			return false
		}
	}
	return true
}

// LightCalibration holds the measurement brightness for each light
// source, in PWM duty units 0..255.
type LightCalibration struct {
	Reflection   uint8 `mapstructure:"reflection"`
	Transmission uint8 `mapstructure:"transmission"`
}

// Valid reports whether both brightness values have been set.
func (l LightCalibration) Valid() bool {
	return l.Reflection > 0 && l.Transmission > 0
}

// ReflectionCalibration holds the two-point reflection reference.
type ReflectionCalibration struct {
	LoDensity float64 `mapstructure:"lo_density"`
	LoReading float64 `mapstructure:"lo_reading"`
	HiDensity float64 `mapstructure:"hi_density"`
	HiReading float64 `mapstructure:"hi_reading"`
}

// Valid enforces the cross-point relationship checked at measurement
// time: the high-density patch must be darker than the low one.
func (r ReflectionCalibration) Valid() bool {
	for _, v := range []float64{r.LoDensity, r.LoReading, r.HiDensity, r.HiReading} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if r.LoDensity < 0 || r.HiDensity <= r.LoDensity {
		return false
	}
	if r.LoReading < 0 || r.HiReading >= r.LoReading {
		return false
	}
	return true
}

// TransmissionCalibration holds the zero-reference and one known
// high-density point for transmission measurements.
type TransmissionCalibration struct {
	ZeroReading float64 `mapstructure:"zero_reading"`
	HiDensity   float64 `mapstructure:"hi_density"`
	HiReading   float64 `mapstructure:"hi_reading"`
}

// Valid reports whether the reference points are usable.
func (t TransmissionCalibration) Valid() bool {
	for _, v := range []float64{t.ZeroReading, t.HiDensity, t.HiReading} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if t.ZeroReading <= 0 || t.HiDensity <= 0 || t.HiReading <= 0 {
		return false
	}
	return t.HiReading < t.ZeroReading
}

// SlopeCalibration holds the quadratic slope-correction coefficients
// in log-density space.
type SlopeCalibration struct {
	B0 float64 `mapstructure:"b0"`
	B1 float64 `mapstructure:"b1"`
	B2 float64 `mapstructure:"b2"`
}

// Valid reports whether all coefficients are finite.
func (s SlopeCalibration) Valid() bool {
	for _, v := range []float64{s.B0, s.B1, s.B2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Store is the persistence boundary for calibration data.
//
// Getters return the stored value and whether it is usable; a value
// that never was stored, failed to load, or fails its Valid() check
// reports false. Setters persist immediately: calibration procedures
// only call them after the whole procedure has succeeded.
type Store interface {
	GainCalibration() (GainCalibration, bool)
	SetGainCalibration(GainCalibration) error

	LightCalibration() (LightCalibration, bool)
	SetLightCalibration(LightCalibration) error

	ReflectionCalibration() (ReflectionCalibration, bool)
	SetReflectionLo(density, reading float64) error
	SetReflectionHi(density, reading float64) error

	TransmissionCalibration() (TransmissionCalibration, bool)
	SetTransmissionZero(reading float64) error
	SetTransmissionHi(density, reading float64) error

	SlopeCalibration() (SlopeCalibration, bool)
	SetSlopeCalibration(SlopeCalibration) error
}
