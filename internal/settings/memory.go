package settings

import "sync"

// Memory is an in-memory Store for tests and simulated runs.
type Memory struct {
	mu           sync.Mutex
	gain         *GainCalibration
	light        *LightCalibration
	reflection   ReflectionCalibration
	hasReflLo    bool
	hasReflHi    bool
	transmission TransmissionCalibration
	hasTransZero bool
	hasTransHi   bool
	slope        *SlopeCalibration
}

// NewMemory returns an empty, uncalibrated in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GainCalibration() (GainCalibration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gain == nil {
		return GainCalibration{}, false
	}
	return *m.gain, m.gain.Valid()
}

func (m *Memory) SetGainCalibration(g GainCalibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain = &g
	return nil
}

func (m *Memory) LightCalibration() (LightCalibration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.light == nil {
		return LightCalibration{}, false
	}
	return *m.light, m.light.Valid()
}

func (m *Memory) SetLightCalibration(l LightCalibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.light = &l
	return nil
}

func (m *Memory) ReflectionCalibration() (ReflectionCalibration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasReflLo || !m.hasReflHi {
		return ReflectionCalibration{}, false
	}
	return m.reflection, m.reflection.Valid()
}

func (m *Memory) SetReflectionLo(density, reading float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflection.LoDensity = density
	m.reflection.LoReading = reading
	m.hasReflLo = true
	return nil
}

func (m *Memory) SetReflectionHi(density, reading float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflection.HiDensity = density
	m.reflection.HiReading = reading
	m.hasReflHi = true
	return nil
}

func (m *Memory) TransmissionCalibration() (TransmissionCalibration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasTransZero || !m.hasTransHi {
		return TransmissionCalibration{}, false
	}
	return m.transmission, m.transmission.Valid()
}

func (m *Memory) SetTransmissionZero(reading float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmission.ZeroReading = reading
	m.hasTransZero = true
	return nil
}

func (m *Memory) SetTransmissionHi(density, reading float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmission.HiDensity = density
	m.transmission.HiReading = reading
	m.hasTransHi = true
	return nil
}

func (m *Memory) SlopeCalibration() (SlopeCalibration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slope == nil {
		return SlopeCalibration{}, false
	}
	return *m.slope, m.slope.Valid()
}

func (m *Memory) SetSlopeCalibration(c SlopeCalibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slope = &c
	return nil
}
