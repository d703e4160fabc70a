package settings

import (
	"math"
	"testing"
)

func TestGainCalibration_Valid(t *testing.T) {
	good := GainCalibration{
		Ch0Medium: 24.5, Ch1Medium: 24.5,
		Ch0High: 400, Ch1High: 400,
		Ch0Maximum: 9200, Ch1Maximum: 9900,
	}
	if !good.Valid() {
		t.Error("plausible table reported invalid")
	}

	cases := []struct {
		name   string
		mutate func(*GainCalibration)
	}{
		{"zero value", func(g *GainCalibration) { *g = GainCalibration{} }},
		{"below unity", func(g *GainCalibration) { g.Ch0Medium = 0.9 }},
		{"NaN", func(g *GainCalibration) { g.Ch1High = math.NaN() }},
		{"Inf", func(g *GainCalibration) { g.Ch0Maximum = math.Inf(1) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := good
			c.mutate(&g)
			if g.Valid() {
				t.Error("expected invalid")
			}
		})
	}
}

func TestLightCalibration_Valid(t *testing.T) {
	if (LightCalibration{}).Valid() {
		t.Error("zero value reported valid")
	}
	if (LightCalibration{Reflection: 128}).Valid() {
		t.Error("missing transmission reported valid")
	}
	if !(LightCalibration{Reflection: 128, Transmission: 64}).Valid() {
		t.Error("set pair reported invalid")
	}
}

func TestReflectionCalibration_Valid(t *testing.T) {
	good := ReflectionCalibration{
		LoDensity: 0.00, LoReading: 500000,
		HiDensity: 2.00, HiReading: 5000,
	}
	if !good.Valid() {
		t.Error("plausible reference reported invalid")
	}

	cases := []struct {
		name   string
		mutate func(*ReflectionCalibration)
	}{
		{"negative lo density", func(r *ReflectionCalibration) { r.LoDensity = -0.1 }},
		{"hi not denser than lo", func(r *ReflectionCalibration) { r.HiDensity = 0.00 }},
		{"hi reading not darker", func(r *ReflectionCalibration) { r.HiReading = 500000 }},
		{"NaN reading", func(r *ReflectionCalibration) { r.LoReading = math.NaN() }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := good
			c.mutate(&r)
			if r.Valid() {
				t.Error("expected invalid")
			}
		})
	}
}

func TestTransmissionCalibration_Valid(t *testing.T) {
	good := TransmissionCalibration{
		ZeroReading: 1000000, HiDensity: 3.00, HiReading: 1000,
	}
	if !good.Valid() {
		t.Error("plausible reference reported invalid")
	}

	cases := []struct {
		name   string
		mutate func(*TransmissionCalibration)
	}{
		{"zero reference missing", func(c *TransmissionCalibration) { c.ZeroReading = 0 }},
		{"hi density zero", func(c *TransmissionCalibration) { c.HiDensity = 0 }},
		{"hi reading above zero ref", func(c *TransmissionCalibration) { c.HiReading = 2000000 }},
		{"Inf", func(c *TransmissionCalibration) { c.ZeroReading = math.Inf(1) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tc := good
			c.mutate(&tc)
			if tc.Valid() {
				t.Error("expected invalid")
			}
		})
	}
}

func TestSlopeCalibration_Valid(t *testing.T) {
	if !(SlopeCalibration{B0: 0, B1: 1, B2: 0}).Valid() {
		t.Error("identity curve reported invalid")
	}
	if (SlopeCalibration{B1: math.NaN()}).Valid() {
		t.Error("NaN coefficient reported valid")
	}
	if (SlopeCalibration{B2: math.Inf(-1)}).Valid() {
		t.Error("Inf coefficient reported valid")
	}
}

func TestMemory_StartsUncalibrated(t *testing.T) {
	m := NewMemory()

	if _, ok := m.GainCalibration(); ok {
		t.Error("gain")
	}
	if _, ok := m.LightCalibration(); ok {
		t.Error("light")
	}
	if _, ok := m.ReflectionCalibration(); ok {
		t.Error("reflection")
	}
	if _, ok := m.TransmissionCalibration(); ok {
		t.Error("transmission")
	}
	if _, ok := m.SlopeCalibration(); ok {
		t.Error("slope")
	}
}

func TestMemory_PartialTwoPointReferences(t *testing.T) {
	m := NewMemory()

	if err := m.SetReflectionLo(0.00, 500000); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ReflectionCalibration(); ok {
		t.Error("one reflection point must not be usable")
	}
	if err := m.SetReflectionHi(2.00, 5000); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ReflectionCalibration(); !ok {
		t.Error("both reflection points set, expected usable")
	}

	if err := m.SetTransmissionHi(3.00, 1000); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.TransmissionCalibration(); ok {
		t.Error("missing zero reference must not be usable")
	}
	if err := m.SetTransmissionZero(1000000); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.TransmissionCalibration(); !ok {
		t.Error("complete transmission reference, expected usable")
	}
}

func TestMemory_InvalidStoredValueNotUsable(t *testing.T) {
	m := NewMemory()

	if err := m.SetGainCalibration(GainCalibration{Ch0Medium: 0.5}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GainCalibration(); ok {
		t.Error("implausible gain table reported usable")
	}
}
