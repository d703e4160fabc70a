package sensor

import (
	"errors"
	"math"
	"testing"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

// fastTiming removes every hardware pause so tests run in
// milliseconds.
func fastTiming() Timing {
	t := DefaultTiming()
	t.StabilizeDelay = 0
	t.CooldownPeriod = 0
	t.DwellLow = 0
	t.DwellHigh = 0
	return t
}

func newTestEngine(t *testing.T) (*Engine, *SimDriver, *SimLight, *settings.Memory) {
	t.Helper()

	light := NewSimLight()
	drv := NewSimDriver(light)
	store := settings.NewMemory()

	e, err := NewEngine(drv, light, store, fastTiming(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, drv, light, store
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewEngine_NilHardware(t *testing.T) {
	light := NewSimLight()
	store := settings.NewMemory()

	if _, err := NewEngine(nil, light, store, fastTiming(), nil); !errors.Is(err, ErrParameter) {
		t.Errorf("nil driver: got %v, want ErrParameter", err)
	}
	if _, err := NewEngine(NewSimDriver(light), nil, store, fastTiming(), nil); !errors.Is(err, ErrParameter) {
		t.Errorf("nil light: got %v, want ErrParameter", err)
	}
	if _, err := NewEngine(NewSimDriver(light), light, nil, fastTiming(), nil); !errors.Is(err, ErrParameter) {
		t.Errorf("nil store: got %v, want ErrParameter", err)
	}
}

func TestIsSaturated(t *testing.T) {
	tests := []struct {
		name string
		r    Reading
		want bool
	}{
		{"analog ceiling at 100ms", Reading{Ch0: 36863, Time: Time100ms}, true},
		{"below analog ceiling at 100ms", Reading{Ch0: 36862, Time: Time100ms}, false},
		{"digital ceiling at 200ms", Reading{Ch0: 37888, Time: Time200ms}, true},
		{"below digital ceiling at 200ms", Reading{Ch0: 37887, Time: Time200ms}, false},
		{"between ceilings at 100ms", Reading{Ch0: 37000, Time: Time100ms}, true},
		{"between ceilings at 600ms", Reading{Ch0: 37000, Time: Time600ms}, false},
		{"channel 1 saturation", Reading{Ch0: 100, Ch1: 37888, Time: Time300ms}, true},
		{"both channels clear", Reading{Ch0: 100, Ch1: 100, Time: Time300ms}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSaturated(tt.r); got != tt.want {
				t.Errorf("IsSaturated(%+v) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}
}

func TestConvertToBasicCounts_Uncalibrated(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// Low gain is the 1.0 reference, so basic counts are
	// raw * 408 / atime
	ch0, ch1 := e.ConvertToBasicCounts(Reading{Ch0: 1000, Ch1: 500, Gain: GainLow, Time: Time100ms})

	if !approxEqual(ch0, 4080.0, 0.01) {
		t.Errorf("ch0 = %f, want 4080", ch0)
	}
	if !approxEqual(ch1, 2040.0, 0.01) {
		t.Errorf("ch1 = %f, want 2040", ch1)
	}
}

func TestConvertToBasicCounts_CalibratedGain(t *testing.T) {
	e, _, _, store := newTestEngine(t)

	gcal := DefaultGainCalibration()
	gcal.Ch0High = 400.0
	gcal.Ch1High = 440.0
	if err := store.SetGainCalibration(gcal); err != nil {
		t.Fatal(err)
	}

	ch0, ch1 := e.ConvertToBasicCounts(Reading{Ch0: 800, Ch1: 880, Gain: GainHigh, Time: Time200ms})

	// 800 / ((200 * 400) / 408)
	if !approxEqual(ch0, 4.08, 0.0001) {
		t.Errorf("ch0 = %f, want 4.08", ch0)
	}
	// 880 / ((200 * 440) / 408)
	if !approxEqual(ch1, 4.08, 0.0001) {
		t.Errorf("ch1 = %f, want 4.08", ch1)
	}
}

func TestConvertToBasicCounts_GainNormalization(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// The same physical signal read at different tiers should produce
	// comparable basic counts when raw values scale with the typical
	// gains
	g := DefaultGainCalibration()
	low0, _ := e.ConvertToBasicCounts(Reading{Ch0: 100, Ch1: 10, Gain: GainLow, Time: Time100ms})
	med0, _ := e.ConvertToBasicCounts(Reading{Ch0: uint16(100 * g.Ch0Medium), Ch1: 10, Gain: GainMedium, Time: Time100ms})

	if !approxEqual(low0, med0, 0.1) {
		t.Errorf("low basic %f != medium basic %f", low0, med0)
	}
}

func TestApplySlopeCorrection_PassThrough(t *testing.T) {
	e, _, _, store := newTestEngine(t)

	// No calibration stored
	if got := e.ApplySlopeCorrection(123.45); got != 123.45 {
		t.Errorf("uncalibrated: got %f, want 123.45", got)
	}

	if err := store.SetSlopeCalibration(settings.SlopeCalibration{B0: 0.1, B1: 0.9, B2: 0.01}); err != nil {
		t.Fatal(err)
	}

	// Invalid readings always pass through even with a calibration
	if got := e.ApplySlopeCorrection(math.NaN()); !math.IsNaN(got) {
		t.Errorf("NaN input: got %f, want NaN", got)
	}
	if got := e.ApplySlopeCorrection(-5.0); got != -5.0 {
		t.Errorf("negative input: got %f, want -5", got)
	}
	if got := e.ApplySlopeCorrection(0); got != 0 {
		t.Errorf("zero input: got %f, want 0", got)
	}
	if got := e.ApplySlopeCorrection(math.Inf(1)); !math.IsInf(got, 1) {
		t.Errorf("inf input: got %f, want +inf", got)
	}
}

func TestApplySlopeCorrection_Identity(t *testing.T) {
	e, _, _, store := newTestEngine(t)

	// l -> l is the identity curve
	if err := store.SetSlopeCalibration(settings.SlopeCalibration{B0: 0, B1: 1, B2: 0}); err != nil {
		t.Fatal(err)
	}

	for _, v := range []float64{0.01, 1.0, 42.5, 100000} {
		if got := e.ApplySlopeCorrection(v); !approxEqual(got, v, v*1e-9) {
			t.Errorf("identity curve: got %f, want %f", got, v)
		}
	}
}

func TestApplySlopeCorrection_Curve(t *testing.T) {
	e, _, _, store := newTestEngine(t)

	// Constant offset of log10(2) doubles every reading
	if err := store.SetSlopeCalibration(settings.SlopeCalibration{B0: math.Log10(2), B1: 1, B2: 0}); err != nil {
		t.Fatal(err)
	}

	if got := e.ApplySlopeCorrection(10.0); !approxEqual(got, 20.0, 1e-9) {
		t.Errorf("got %f, want 20", got)
	}
}

func TestSetLightIdle(t *testing.T) {
	e, _, light, _ := newTestEngine(t)

	if err := e.SetLightIdle(LightReflection); err != nil {
		t.Fatal(err)
	}
	if light.Reflection() != ReflectionIdle || light.Transmission() != 0 {
		t.Errorf("reflection idle: got (%d, %d)", light.Reflection(), light.Transmission())
	}

	if err := e.SetLightIdle(LightTransmission); err != nil {
		t.Fatal(err)
	}
	if light.Reflection() != 0 || light.Transmission() != TransmissionIdle {
		t.Errorf("transmission idle: got (%d, %d)", light.Reflection(), light.Transmission())
	}

	if err := e.SetLightIdle(LightOff); err != nil {
		t.Fatal(err)
	}
	if light.Reflection() != 0 || light.Transmission() != 0 {
		t.Errorf("off: got (%d, %d)", light.Reflection(), light.Transmission())
	}
}

func TestReadBrightness_Fallback(t *testing.T) {
	e, _, _, store := newTestEngine(t)

	if got := e.readBrightness(LightReflection); got != defaultReadBrightness {
		t.Errorf("uncalibrated reflection brightness = %d, want %d", got, defaultReadBrightness)
	}
	if got := e.readBrightness(LightOff); got != 0 {
		t.Errorf("off brightness = %d, want 0", got)
	}

	if err := store.SetLightCalibration(settings.LightCalibration{Reflection: 128, Transmission: 93}); err != nil {
		t.Fatal(err)
	}
	if got := e.readBrightness(LightTransmission); got != 93 {
		t.Errorf("calibrated transmission brightness = %d, want 93", got)
	}
}

func TestIntegrationTime(t *testing.T) {
	if Time100ms.Milliseconds() != 100 {
		t.Errorf("Time100ms = %f ms", Time100ms.Milliseconds())
	}
	if Time600ms.Milliseconds() != 600 {
		t.Errorf("Time600ms = %f ms", Time600ms.Milliseconds())
	}
	if IntegrationTime(6).Valid() {
		t.Error("expected time(6) invalid")
	}
	if !Time300ms.Valid() {
		t.Error("expected 300ms valid")
	}
}

func TestGainTier(t *testing.T) {
	if GainTier(4).Valid() || GainTier(-1).Valid() {
		t.Error("out-of-range tiers must be invalid")
	}
	if GainMaximum.String() != "maximum" {
		t.Errorf("String() = %s", GainMaximum.String())
	}
}

func TestDefaultGainCalibration_Valid(t *testing.T) {
	if !DefaultGainCalibration().Valid() {
		t.Error("default gain calibration must validate")
	}
}
