package sensor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

func TestReadAverageRaw_GeometricMean(t *testing.T) {
	e, _, light, _ := newTestEngine(t)

	if err := light.SetTransmission(100); err != nil {
		t.Fatal(err)
	}
	if err := e.configure(GainLow, Time100ms); err != nil {
		t.Fatal(err)
	}
	if err := e.startSensor(); err != nil {
		t.Fatal(err)
	}
	defer e.stopSensor()

	// The simulator is deterministic, so the geometric mean equals
	// the per-cycle value: round(0.2 + 0.4375*100) = 44
	ch0, ch1, err := e.ReadAverageRaw(3)
	if err != nil {
		t.Fatalf("ReadAverageRaw: %v", err)
	}
	if !approxEqual(ch0, 44.0, 1e-6) {
		t.Errorf("ch0 = %f, want 44", ch0)
	}
	if !approxEqual(ch1, 9.0, 1e-6) {
		t.Errorf("ch1 = %f, want 9", ch1)
	}
}

func TestReadAverageRaw_Saturation(t *testing.T) {
	e, _, light, _ := newTestEngine(t)

	// Full brightness at high gain saturates the digital counter
	if err := light.SetTransmission(128); err != nil {
		t.Fatal(err)
	}
	if err := e.configure(GainHigh, Time200ms); err != nil {
		t.Fatal(err)
	}
	if err := e.startSensor(); err != nil {
		t.Fatal(err)
	}
	defer e.stopSensor()

	ch0, ch1, err := e.ReadAverageRaw(3)
	if err != nil {
		t.Fatalf("ReadAverageRaw: %v", err)
	}
	if !math.IsNaN(ch0) || !math.IsNaN(ch1) {
		t.Errorf("saturated average = (%f, %f), want NaN pair", ch0, ch1)
	}
}

func TestReadAverageRaw_BadCount(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if _, _, err := e.ReadAverageRaw(0); !errors.Is(err, ErrParameter) {
		t.Errorf("count 0: got %v, want ErrParameter", err)
	}
	if _, _, err := e.ReadAverageRaw(-1); !errors.Is(err, ErrParameter) {
		t.Errorf("count -1: got %v, want ErrParameter", err)
	}
}

func TestReadTarget_BrightTarget(t *testing.T) {
	e, drv, light, _ := newTestEngine(t)

	// A density 1.0 target is bright enough at the probe to force the
	// high-gain path
	drv.SetDensity(1.0)

	progressCalls := 0
	ch0, ch1, err := e.ReadTarget(LightReflection, 2, func() { progressCalls++ })
	if err != nil {
		t.Fatalf("ReadTarget: %v", err)
	}

	// base = 0.2 + 0.4375*128*0.1 = 5.8 counts at low gain / 100ms;
	// measured at high gain / 200ms and converted back to basic
	// counts: round(5.8*400*2) * 408 / (200*400)
	if !approxEqual(ch0, 23.664, 0.01) {
		t.Errorf("ch0 = %f, want about 23.664", ch0)
	}
	if ch1 <= 0 || ch1 >= ch0 {
		t.Errorf("ch1 = %f, want positive and below ch0", ch1)
	}

	// One probe report plus one per measurement reading
	if progressCalls != 3 {
		t.Errorf("progress calls = %d, want 3", progressCalls)
	}

	// Light is fully off afterwards, not idle
	if light.Reflection() != 0 || light.Transmission() != 0 {
		t.Errorf("lights after read = (%d, %d), want off", light.Reflection(), light.Transmission())
	}
}

func TestReadTarget_DimTargetUsesMaximumGain(t *testing.T) {
	e, drv, _, _ := newTestEngine(t)

	// A dense target keeps the probe below the threshold, so the
	// measurement stays at maximum gain
	drv.SetDensity(4.0)

	ch0, ch1, err := e.ReadTarget(LightTransmission, 2, nil)
	if err != nil {
		t.Fatalf("ReadTarget: %v", err)
	}
	if ch0 <= 0 || ch1 <= 0 {
		t.Errorf("basic counts = (%f, %f), want positive", ch0, ch1)
	}
	if ch0 > 10 {
		t.Errorf("ch0 = %f, expected a small basic-count value for a dense target", ch0)
	}
}

func TestReadTarget_BadParams(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if _, _, err := e.ReadTarget(LightOff, 2, nil); !errors.Is(err, ErrParameter) {
		t.Errorf("light off: got %v, want ErrParameter", err)
	}
	if _, _, err := e.ReadTarget(LightSource(99), 2, nil); !errors.Is(err, ErrParameter) {
		t.Errorf("bogus source: got %v, want ErrParameter", err)
	}
	if _, _, err := e.ReadTarget(LightReflection, 0, nil); !errors.Is(err, ErrParameter) {
		t.Errorf("zero iterations: got %v, want ErrParameter", err)
	}
}

// gapDriver drops a cycle partway through a run to exercise the
// sequence check.
type gapDriver struct {
	*SimDriver
	gapAfter int
	n        int
}

func (d *gapDriver) NextReading(timeout time.Duration) (Reading, error) {
	r, err := d.SimDriver.NextReading(timeout)
	d.n++
	if d.n > d.gapAfter {
		r.Sequence++
	}
	return r, err
}

func TestReadTarget_SequenceGap(t *testing.T) {
	light := NewSimLight()
	drv := &gapDriver{SimDriver: NewSimDriver(light), gapAfter: 1}
	drv.SetDensity(1.0)

	e, err := NewEngine(drv, light, settings.NewMemory(), fastTiming(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := e.ReadTarget(LightReflection, 2, nil); !errors.Is(err, ErrSensor) {
		t.Errorf("sequence gap: got %v, want ErrSensor", err)
	}
}

func TestReadTargetRaw_DarkReading(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// Lights off leaves only dark counts, which round away at low
	// gain
	ch0, ch1, err := e.ReadTargetRaw(LightOff, GainLow, Time100ms)
	if err != nil {
		t.Fatalf("ReadTargetRaw: %v", err)
	}
	if ch0 != 0 {
		t.Errorf("ch0 = %d, want 0", ch0)
	}
	if ch1 != 0 {
		t.Errorf("ch1 = %d, want 0", ch1)
	}
}

func TestReadTargetRaw_SaturationSentinel(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// Default brightness at maximum gain pegs the counter; raw target
	// reads report that as the sentinel value rather than an error
	ch0, ch1, err := e.ReadTargetRaw(LightTransmission, GainMaximum, Time200ms)
	if err != nil {
		t.Fatalf("ReadTargetRaw: %v", err)
	}
	if ch0 != math.MaxUint16 || ch1 != math.MaxUint16 {
		t.Errorf("saturated read = (%d, %d), want sentinel pair", ch0, ch1)
	}
}

func TestReadTargetRaw_BadParams(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if _, _, err := e.ReadTargetRaw(LightSource(42), GainLow, Time100ms); !errors.Is(err, ErrParameter) {
		t.Errorf("bogus source: got %v, want ErrParameter", err)
	}
	if _, _, err := e.ReadTargetRaw(LightOff, GainTier(9), Time100ms); !errors.Is(err, ErrParameter) {
		t.Errorf("bogus gain: got %v, want ErrParameter", err)
	}
	if _, _, err := e.ReadTargetRaw(LightOff, GainLow, IntegrationTime(9)); !errors.Is(err, ErrParameter) {
		t.Errorf("bogus time: got %v, want ErrParameter", err)
	}
}
