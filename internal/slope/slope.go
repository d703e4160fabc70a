// Package slope derives the quadratic slope-correction curve from a
// series of step wedge measurements.
package slope

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

// MaxSamples is the number of rows a calibration table can hold, one
// per patch of the largest supported step wedge.
const MaxSamples = 22

// minFitSamples is the smallest usable prefix of the table. Fewer
// points than this over-fit the quadratic.
const minFitSamples = 5

// ErrDegenerate is returned when the sample matrix has no unique
// quadratic solution, such as duplicate density values.
var ErrDegenerate = errors.New("slope: degenerate sample set")

// Sample is one step wedge patch: its reference density and the raw
// transmission reading measured through it.
type Sample struct {
	Density float64 `json:"density"`
	Reading float64 `json:"reading"`
}

// ParseSamples reads wedge measurements from text, one sample per
// line with density and reading separated by commas, semicolons or
// whitespace. Blank lines are skipped. At most MaxSamples rows are
// accepted.
func ParseSamples(text string) ([]Sample, error) {
	var samples []Sample

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}

		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t'
		})
		if len(fields) != 2 {
			return nil, fmt.Errorf("slope: line %d: want 2 fields, got %d", i+1, len(fields))
		}

		density, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("slope: line %d: bad density %q", i+1, fields[0])
		}
		reading, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("slope: line %d: bad reading %q", i+1, fields[1])
		}

		if len(samples) == MaxSamples {
			return nil, fmt.Errorf("slope: more than %d samples", MaxSamples)
		}
		samples = append(samples, Sample{Density: density, Reading: reading})
	}

	return samples, nil
}

// Fit computes the slope-correction coefficients from a wedge
// measurement table.
//
// Only the leading run of usable rows participates: the scan stops at
// the first row with a non-positive reading or a non-finite value.
// The first row must be the unattenuated base patch, density at most
// 0.001, and anchors both axes so the curve passes through it
// exactly. The fit maps measured log readings onto the log readings
// the reference densities predict.
func Fit(samples []Sample) (settings.SlopeCalibration, error) {
	if len(samples) == 0 {
		return settings.SlopeCalibration{}, fmt.Errorf("slope: no samples")
	}

	base := samples[0]
	if !(base.Reading > 0) || math.IsInf(base.Reading, 0) {
		return settings.SlopeCalibration{}, fmt.Errorf("slope: unusable base reading %v", base.Reading)
	}
	if math.IsNaN(base.Density) || base.Density > 0.001 {
		return settings.SlopeCalibration{}, fmt.Errorf("slope: base density %v is not near zero", base.Density)
	}

	baseLL := math.Log10(base.Reading)

	// x is the measured log reading, y the log reading the reference
	// density predicts from the base patch
	xs := []float64{baseLL}
	ys := []float64{baseLL}

	for _, s := range samples[1:] {
		if !(s.Reading > 0) || math.IsInf(s.Reading, 0) ||
			math.IsNaN(s.Density) || math.IsInf(s.Density, 0) {
			break
		}
		xs = append(xs, math.Log10(s.Reading))
		ys = append(ys, math.Log10(base.Reading/math.Pow(10, s.Density)))
	}

	if len(xs) < minFitSamples {
		return settings.SlopeCalibration{}, fmt.Errorf("slope: only %d usable samples, need %d", len(xs), minFitSamples)
	}

	coeffs, err := polyfit(xs, ys, 2)
	if err != nil {
		return settings.SlopeCalibration{}, err
	}

	cal := settings.SlopeCalibration{B0: coeffs[0], B1: coeffs[1], B2: coeffs[2]}
	if !cal.Valid() {
		return settings.SlopeCalibration{}, ErrDegenerate
	}
	return cal, nil
}

// polyfit computes a least-squares polynomial of the given degree by
// solving the normal equations.
func polyfit(xs, ys []float64, degree int) ([]float64, error) {
	n := degree + 1

	// Power sums of x up to x^(2*degree)
	powSums := make([]float64, 2*degree+1)
	for _, x := range xs {
		p := 1.0
		for k := range powSums {
			powSums[k] += p
			p *= x
		}
	}

	// Augmented normal matrix
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n+1)
		for j := 0; j < n; j++ {
			m[i][j] = powSums[i+j]
		}
	}
	for k, y := range ys {
		p := 1.0
		for i := 0; i < n; i++ {
			m[i][n] += y * p
			p *= xs[k]
		}
	}

	return solve(m)
}

// solve runs Gaussian elimination with partial pivoting on an
// augmented matrix.
func solve(m [][]float64) ([]float64, error) {
	n := len(m)

	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		m[col], m[pivot] = m[pivot], m[col]

		if m[col][col] == 0 {
			return nil, ErrDegenerate
		}

		for row := col + 1; row < n; row++ {
			f := m[row][col] / m[col][col]
			for k := col; k <= n; k++ {
				m[row][k] -= f * m[col][k]
			}
		}
	}

	out := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := m[row][n]
		for k := row + 1; k < n; k++ {
			sum -= m[row][k] * out[k]
		}
		out[row] = sum / m[row][row]
	}
	return out, nil
}
