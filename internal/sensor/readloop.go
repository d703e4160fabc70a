package sensor

import (
	"fmt"
	"math"
)

// TargetReadIterations is the number of averaged cycles in a raw
// target read.
const TargetReadIterations = 2

// probeThreshold classifies the gain-detection probe. The measurement
// integration time is roughly double the probe's, so the cutoff sits
// slightly below half of the full 16-bit range; the regular
// saturation ceiling is unusable here because the 100ms ceiling is
// slightly above half-way.
const probeThreshold = 32700

// ReadAverageRaw returns the geometric mean of count consecutive raw
// readings per channel, reducing flicker-type noise. The sensor must
// already be configured and running.
//
// The loop aborts the moment any reading is saturated, discarding the
// partial accumulation: both results are NaN with a nil error, since
// a skewed average is worse than an explicit undefined one. No
// corrections are applied, so results are only comparable to other
// runs under identical conditions.
func (e *Engine) ReadAverageRaw(count int) (ch0Avg, ch1Avg float64, err error) {
	if count <= 0 {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: count=%d", ErrParameter, count)
	}

	var ch0Sum, ch1Sum float64
	saturated := false

	for i := 0; i < count; i++ {
		r, err := e.nextReading(e.timing.SyncTimeout)
		if err != nil {
			return math.NaN(), math.NaN(), err
		}

		e.logger.Debug("raw reading", "i", i, "ch0", r.Ch0, "ch1", r.Ch1)
		if IsSaturated(r) {
			e.logger.Warn("sensor value indicates saturation", "ch0", r.Ch0, "ch1", r.Ch1)
			saturated = true
			break
		}
		ch0Sum += math.Log(float64(r.Ch0))
		ch1Sum += math.Log(float64(r.Ch1))
	}

	if saturated {
		return math.NaN(), math.NaN(), nil
	}
	return math.Exp(ch0Sum / float64(count)), math.Exp(ch1Sum / float64(count)), nil
}

// ReadTarget performs a full target measurement: probe at maximum
// gain and short integration to classify the light regime, switch to
// the chosen gain, then average iterations readings converted to
// basic counts.
//
// Each measurement reading's cycle sequence must be exactly the
// expected successor; any gap means stale data could leak into the
// measurement and is a hard sensor error. The light is powered down
// on every exit path; callers restore their own idle level.
func (e *Engine) ReadTarget(source LightSource, iterations int, progress func()) (ch0, ch1 float64, err error) {
	if source != LightReflection && source != LightTransmission {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: light source %v", ErrParameter, source)
	}
	if iterations <= 0 {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: iterations=%d", ErrParameter, iterations)
	}

	level := e.readBrightness(source)
	e.logger.Info("starting target read", "light", source, "level", level)

	defer func() {
		e.stopSensor()
		if lerr := e.setLightMode(LightOff, false, 0); lerr != nil {
			e.logger.Warn("light shutdown failed", "error", lerr)
		}
	}()

	// Probe at maximum gain with the light synchronized to the
	// first cycle
	if err := e.configure(GainMaximum, Time100ms); err != nil {
		return math.NaN(), math.NaN(), err
	}
	if err := e.setLightMode(source, true, level); err != nil {
		return math.NaN(), math.NaN(), err
	}
	if err := e.startSensor(); err != nil {
		return math.NaN(), math.NaN(), err
	}

	probe, err := e.nextReading(e.timing.ProbeTimeout)
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	e.logger.Debug("probe reading", "seq", probe.Sequence, "ch0", probe.Ch0, "ch1", probe.Ch1)

	if progress != nil {
		progress()
	}

	targetGain := GainMaximum
	if probe.Ch0 > probeThreshold || probe.Ch1 > probeThreshold {
		targetGain = GainHigh
	}

	if err := e.configure(targetGain, Time200ms); err != nil {
		return math.NaN(), math.NaN(), err
	}

	// Reconfiguration consumes the in-flight and settling cycles
	expectedBase := probe.Sequence + 3

	var ch0Sum, ch1Sum float64
	for i := 0; i < iterations; i++ {
		r, err := e.nextReading(e.timing.ReadTimeout)
		if err != nil {
			return math.NaN(), math.NaN(), err
		}
		e.logger.Debug("target reading", "seq", r.Sequence, "ch0", r.Ch0, "ch1", r.Ch1)

		if progress != nil {
			progress()
		}

		if r.Sequence != expectedBase+uint32(i) {
			return math.NaN(), math.NaN(), fmt.Errorf("%w: unexpected read cycle %d, want %d",
				ErrSensor, r.Sequence, expectedBase+uint32(i))
		}
		if IsSaturated(r) {
			return math.NaN(), math.NaN(), fmt.Errorf("%w: unexpected saturation", ErrSensor)
		}

		b0, b1 := e.ConvertToBasicCounts(r)
		ch0Sum += b0
		ch1Sum += b1
	}

	e.logger.Info("target read complete", "gain", targetGain)
	return ch0Sum / float64(iterations), ch1Sum / float64(iterations), nil
}

// ReadTargetRaw averages raw counts at a fixed gain and integration
// setting. Unlike ReadTarget, saturation here is an expected and
// reportable condition, not a fault: both channels come back as the
// sentinel maximum value with a nil error.
func (e *Engine) ReadTargetRaw(source LightSource, gain GainTier, integ IntegrationTime) (ch0, ch1 uint16, err error) {
	if source != LightOff && source != LightReflection && source != LightTransmission {
		return 0, 0, fmt.Errorf("%w: light source %v", ErrParameter, source)
	}
	if !gain.Valid() || !integ.Valid() {
		return 0, 0, fmt.Errorf("%w: gain=%v time=%v", ErrParameter, gain, integ)
	}

	level := e.readBrightness(source)
	e.logger.Info("starting raw target read", "light", source, "level", level, "gain", gain, "time", integ)

	defer func() {
		e.stopSensor()
		if lerr := e.setLightMode(LightOff, false, 0); lerr != nil {
			e.logger.Warn("light shutdown failed", "error", lerr)
		}
	}()

	if err := e.configure(gain, integ); err != nil {
		return 0, 0, err
	}
	if err := e.setLightMode(source, true, level); err != nil {
		return 0, 0, err
	}
	if err := e.startSensor(); err != nil {
		return 0, 0, err
	}

	// The first cycle settles the light activation and is discarded
	first, err := e.nextReading(e.timing.SyncTimeout)
	if err != nil {
		return 0, 0, err
	}

	var ch0Sum, ch1Sum float64
	saturated := false
	for i := 0; i < TargetReadIterations; i++ {
		r, err := e.nextReading(e.timing.SyncTimeout)
		if err != nil {
			return 0, 0, err
		}
		e.logger.Debug("raw target reading", "seq", r.Sequence, "ch0", r.Ch0, "ch1", r.Ch1)

		want := first.Sequence + 1 + uint32(i)
		if r.Sequence != want {
			return 0, 0, fmt.Errorf("%w: unexpected read cycle %d, want %d", ErrSensor, r.Sequence, want)
		}

		if IsSaturated(r) {
			e.logger.Warn("aborting raw target read on saturation")
			saturated = true
			break
		}

		ch0Sum += float64(r.Ch0)
		ch1Sum += float64(r.Ch1)
	}

	if saturated {
		return math.MaxUint16, math.MaxUint16, nil
	}

	ch0 = uint16(math.Round(ch0Sum / TargetReadIterations))
	ch1 = uint16(math.Round(ch1Sum / TargetReadIterations))
	return ch0, ch1, nil
}
