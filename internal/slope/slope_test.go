package slope

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// idealWedge is a perfectly log-linear step wedge: every reading is
// the base reading attenuated by exactly its density.
var idealWedge = []Sample{
	{Density: 0.0, Reading: 1000000},
	{Density: 0.3, Reading: 501187},
	{Density: 0.6, Reading: 251189},
	{Density: 1.0, Reading: 100000},
	{Density: 1.5, Reading: 31623},
}

func TestParseSamples_Separators(t *testing.T) {
	text := "0.00,1000000\n0.30;501187\n0.60\t251189\n\n1.00 100000\r\n1.50, 31623\n"

	samples, err := ParseSamples(text)
	if err != nil {
		t.Fatalf("ParseSamples: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("got %d samples, want 5", len(samples))
	}
	if samples[1].Density != 0.30 || samples[1].Reading != 501187 {
		t.Errorf("sample 1 = %+v", samples[1])
	}
	if samples[4].Density != 1.50 || samples[4].Reading != 31623 {
		t.Errorf("sample 4 = %+v", samples[4])
	}
}

func TestParseSamples_Empty(t *testing.T) {
	samples, err := ParseSamples("\n\n  \n")
	if err != nil {
		t.Fatalf("ParseSamples: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("got %d samples, want 0", len(samples))
	}
}

func TestParseSamples_Errors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"one field", "0.30\n"},
		{"three fields", "0.30,100,extra\n"},
		{"bad density", "abc,100\n"},
		{"bad reading", "0.30,xyz\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := ParseSamples(c.text); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseSamples_RowLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxSamples; i++ {
		b.WriteString("0.10,1000\n")
	}

	samples, err := ParseSamples(b.String())
	if err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if len(samples) != MaxSamples {
		t.Errorf("got %d samples, want %d", len(samples), MaxSamples)
	}

	b.WriteString("0.10,1000\n")
	if _, err := ParseSamples(b.String()); err == nil {
		t.Error("expected error above row limit")
	}
}

func TestFit_IdealWedge(t *testing.T) {
	cal, err := Fit(idealWedge)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// A perfectly linear wedge maps measured log readings onto
	// themselves: the identity curve
	if math.Abs(cal.B0) > 1e-3 {
		t.Errorf("b0 = %f, want about 0", cal.B0)
	}
	if math.Abs(cal.B1-1.0) > 1e-3 {
		t.Errorf("b1 = %f, want about 1", cal.B1)
	}
	if math.Abs(cal.B2) > 1e-3 {
		t.Errorf("b2 = %f, want about 0", cal.B2)
	}
}

func TestFit_RecoverQuadratic(t *testing.T) {
	// Build samples lying exactly on y = 0.7x + 0.05x^2, anchored so
	// the base row maps to itself
	base := 1000000.0
	xs := []float64{5.5, 5.0, 4.5, 4.0}

	samples := []Sample{{Density: 0, Reading: base}}
	for _, x := range xs {
		y := 0.7*x + 0.05*x*x
		samples = append(samples, Sample{
			Density: math.Log10(base) - y,
			Reading: math.Pow(10, x),
		})
	}

	cal, err := Fit(samples)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if math.Abs(cal.B0) > 1e-6 || math.Abs(cal.B1-0.7) > 1e-6 || math.Abs(cal.B2-0.05) > 1e-6 {
		t.Errorf("coefficients = (%g, %g, %g), want (0, 0.7, 0.05)", cal.B0, cal.B1, cal.B2)
	}
}

func TestFit_TooFewRows(t *testing.T) {
	if _, err := Fit(idealWedge[:4]); err == nil {
		t.Error("expected error for 4 rows")
	}
	if _, err := Fit(nil); err == nil {
		t.Error("expected error for no rows")
	}
}

func TestFit_PrefixStops(t *testing.T) {
	// A bad row truncates the series at that point
	wedge := append(append([]Sample{}, idealWedge...),
		Sample{Density: 2.0, Reading: 0},
		Sample{Density: 2.5, Reading: 3162})

	cal, err := Fit(wedge)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if math.Abs(cal.B1-1.0) > 1e-3 {
		t.Errorf("b1 = %f, want about 1", cal.B1)
	}

	// The same bad row earlier leaves too few usable rows
	short := append(append([]Sample{}, idealWedge[:4]...),
		Sample{Density: math.NaN(), Reading: 31623},
		idealWedge[4])
	if _, err := Fit(short); err == nil {
		t.Error("expected error when the prefix is too short")
	}
}

func TestFit_BaseRow(t *testing.T) {
	bad := append([]Sample{}, idealWedge...)
	bad[0].Density = 0.5
	if _, err := Fit(bad); err == nil {
		t.Error("expected error for non-zero base density")
	}

	bad = append([]Sample{}, idealWedge...)
	bad[0].Reading = 0
	if _, err := Fit(bad); err == nil {
		t.Error("expected error for unusable base reading")
	}
}

func TestFit_Degenerate(t *testing.T) {
	// Identical readings collapse the system to a single x value
	samples := []Sample{
		{Density: 0.0, Reading: 1000},
		{Density: 0.3, Reading: 1000},
		{Density: 0.6, Reading: 1000},
		{Density: 1.0, Reading: 1000},
		{Density: 1.5, Reading: 1000},
	}

	if _, err := Fit(samples); !errors.Is(err, ErrDegenerate) {
		t.Errorf("got %v, want ErrDegenerate", err)
	}
}

func TestFit_Idempotent(t *testing.T) {
	first, err := Fit(idealWedge)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Fit(idealWedge)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("fit not deterministic: %+v vs %+v", first, second)
	}
}

func TestParseAndFit(t *testing.T) {
	text := "0.00 1000000\n0.30 501187\n0.60 251189\n1.00 100000\n1.50 31623\n"

	samples, err := ParseSamples(text)
	if err != nil {
		t.Fatal(err)
	}
	cal, err := Fit(samples)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(cal.B1-1.0) > 1e-3 {
		t.Errorf("b1 = %f, want about 1", cal.B1)
	}
}
