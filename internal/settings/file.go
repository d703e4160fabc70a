package settings

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// FileStore persists calibration to a YAML file via viper.
type FileStore struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewFileStore opens (or creates) the settings file at path. A missing
// or unreadable file is not an error: the store just starts out
// uncalibrated.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("settings path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Load failure is indistinguishable from "uncalibrated"
	_ = v.ReadInConfig()

	return &FileStore{v: v, path: path}, nil
}

func (s *FileStore) getFloat(key string) float64 {
	if !s.v.IsSet(key) {
		return math.NaN()
	}
	return s.v.GetFloat64(key)
}

func (s *FileStore) write() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// GainCalibration returns the stored gain table, if usable.
func (s *FileStore) GainCalibration() (GainCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := GainCalibration{
		Ch0Medium:  s.getFloat("cal_gain.ch0_medium"),
		Ch1Medium:  s.getFloat("cal_gain.ch1_medium"),
		Ch0High:    s.getFloat("cal_gain.ch0_high"),
		Ch1High:    s.getFloat("cal_gain.ch1_high"),
		Ch0Maximum: s.getFloat("cal_gain.ch0_maximum"),
		Ch1Maximum: s.getFloat("cal_gain.ch1_maximum"),
	}
	return g, g.Valid()
}

// SetGainCalibration persists a new gain table wholesale.
func (s *FileStore) SetGainCalibration(g GainCalibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_gain.ch0_medium", g.Ch0Medium)
	s.v.Set("cal_gain.ch1_medium", g.Ch1Medium)
	s.v.Set("cal_gain.ch0_high", g.Ch0High)
	s.v.Set("cal_gain.ch1_high", g.Ch1High)
	s.v.Set("cal_gain.ch0_maximum", g.Ch0Maximum)
	s.v.Set("cal_gain.ch1_maximum", g.Ch1Maximum)
	return s.write()
}

// LightCalibration returns the stored light brightness values.
func (s *FileStore) LightCalibration() (LightCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := LightCalibration{
		Reflection:   uint8(s.v.GetUint("cal_light.reflection")),
		Transmission: uint8(s.v.GetUint("cal_light.transmission")),
	}
	return l, l.Valid()
}

// SetLightCalibration persists new light brightness values.
func (s *FileStore) SetLightCalibration(l LightCalibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_light.reflection", uint(l.Reflection))
	s.v.Set("cal_light.transmission", uint(l.Transmission))
	return s.write()
}

// ReflectionCalibration returns the stored two-point reference.
func (s *FileStore) ReflectionCalibration() (ReflectionCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := ReflectionCalibration{
		LoDensity: s.getFloat("cal_reflection.lo_density"),
		LoReading: s.getFloat("cal_reflection.lo_reading"),
		HiDensity: s.getFloat("cal_reflection.hi_density"),
		HiReading: s.getFloat("cal_reflection.hi_reading"),
	}
	return r, r.Valid()
}

// SetReflectionLo persists the low-density reflection point.
func (s *FileStore) SetReflectionLo(density, reading float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_reflection.lo_density", density)
	s.v.Set("cal_reflection.lo_reading", reading)
	return s.write()
}

// SetReflectionHi persists the high-density reflection point.
func (s *FileStore) SetReflectionHi(density, reading float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_reflection.hi_density", density)
	s.v.Set("cal_reflection.hi_reading", reading)
	return s.write()
}

// TransmissionCalibration returns the stored transmission reference.
func (s *FileStore) TransmissionCalibration() (TransmissionCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := TransmissionCalibration{
		ZeroReading: s.getFloat("cal_transmission.zero_reading"),
		HiDensity:   s.getFloat("cal_transmission.hi_density"),
		HiReading:   s.getFloat("cal_transmission.hi_reading"),
	}
	return t, t.Valid()
}

// SetTransmissionZero persists the unattenuated zero reference.
func (s *FileStore) SetTransmissionZero(reading float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_transmission.zero_reading", reading)
	return s.write()
}

// SetTransmissionHi persists the high-density transmission point.
func (s *FileStore) SetTransmissionHi(density, reading float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_transmission.hi_density", density)
	s.v.Set("cal_transmission.hi_reading", reading)
	return s.write()
}

// SlopeCalibration returns the stored slope-correction coefficients.
func (s *FileStore) SlopeCalibration() (SlopeCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := SlopeCalibration{
		B0: s.getFloat("cal_slope.b0"),
		B1: s.getFloat("cal_slope.b1"),
		B2: s.getFloat("cal_slope.b2"),
	}
	return c, c.Valid()
}

// SetSlopeCalibration persists new slope-correction coefficients.
func (s *FileStore) SetSlopeCalibration(c SlopeCalibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("cal_slope.b0", c.B0)
	s.v.Set("cal_slope.b1", c.B1)
	s.v.Set("cal_slope.b2", c.B2)
	return s.write()
}
