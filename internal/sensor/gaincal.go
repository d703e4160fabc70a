package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
)

// GainCalStage identifies a phase of the gain calibration procedure.
type GainCalStage int

const (
	StageInit GainCalStage = iota
	StageBrightness
	StageCooldown
	StageMedium
	StageHigh
	StageMaximum
	StageDone
	StageFailed
)

func (s GainCalStage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageBrightness:
		return "brightness"
	case StageCooldown:
		return "cooldown"
	case StageMedium:
		return "medium"
	case StageHigh:
		return "high"
	case StageMaximum:
		return "maximum"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// GainCalObserver receives progress from the gain calibration
// procedure. Report returns false to request a cooperative abort; the
// engine still powers the light down and stops the sensor on the way
// out.
type GainCalObserver interface {
	Report(stage GainCalStage, param int) bool
}

// GainCalObserverFunc adapts a function to the observer interface.
type GainCalObserverFunc func(stage GainCalStage, param int) bool

func (f GainCalObserverFunc) Report(stage GainCalStage, param int) bool {
	return f(stage, param)
}

const (
	gainCalReadIterations  = 5
	ledCheckReadIterations = 2

	// Brightness for the low/medium tier comparison on the matte
	// white stage plate; the higher tiers use dynamically searched
	// values.
	gainCalBrightnessLowMed uint8 = 128

	// Target fractions of saturation for the two brightness
	// searches.
	lightCalTargetFactor = 0.98
	gainCalTargetFactor  = 0.75
)

type gainCalResult struct {
	measBrightness uint8
	maxBrightness  uint8

	med0, med1   float64
	high0, high1 float64
	max0, max1   float64
}

// CalibrateGain measures the gain table and measurement brightness.
//
// The procedure is all-or-nothing: any failure discards in-progress
// measurements and leaves previously persisted tables untouched.
// Individual tier ratios outside the hardware-plausible range are
// replaced with typical constants rather than aborting the run. The
// sensor is stopped and the lights are turned off on every exit path.
func (e *Engine) CalibrateGain(obs GainCalObserver) error {
	report := func(stage GainCalStage, param int) bool {
		if obs == nil {
			return true
		}
		return obs.Report(stage, param)
	}

	e.logger.Info("starting gain calibration")

	if !report(StageInit, 0) {
		return fmt.Errorf("%w: gain calibration", ErrCancelled)
	}

	if err := e.setLightMode(LightOff, false, 0); err != nil {
		return err
	}

	res, err := e.runGainCalibration(report)

	e.stopSensor()
	if lerr := e.setLightMode(LightOff, false, 0); lerr != nil {
		e.logger.Warn("light shutdown failed", "error", lerr)
	}

	if err != nil {
		report(StageFailed, 0)
		e.logger.Error("gain calibration failed", "error", err)
		return err
	}
	if !report(StageDone, 0) {
		return fmt.Errorf("%w: gain calibration", ErrCancelled)
	}

	e.logger.Info("gain calibration complete",
		"measurement_brightness", res.measBrightness,
		"medium_ch0", res.med0, "medium_ch1", res.med1,
		"high_ch0", res.high0, "high_ch1", res.high1,
		"maximum_ch0", res.max0, "maximum_ch1", res.max1,
	)

	gcal := settings.GainCalibration{
		Ch0Medium:  res.med0,
		Ch1Medium:  res.med1,
		Ch0High:    res.high0,
		Ch1High:    res.high1,
		Ch0Maximum: res.max0,
		Ch1Maximum: res.max1,
	}
	if err := e.store.SetGainCalibration(gcal); err != nil {
		return fmt.Errorf("save gain calibration: %w", err)
	}

	lcal := settings.LightCalibration{
		Reflection:   defaultReadBrightness,
		Transmission: res.measBrightness,
	}
	if err := e.store.SetLightCalibration(lcal); err != nil {
		return fmt.Errorf("save light calibration: %w", err)
	}

	e.logger.Info("gain and light calibration saved")
	return nil
}

func (e *Engine) runGainCalibration(report func(GainCalStage, int) bool) (gainCalResult, error) {
	var res gainCalResult

	// Put the sensor into a known initial state
	if err := e.configure(GainMaximum, Time100ms); err != nil {
		return res, err
	}
	if err := e.startSensor(); err != nil {
		return res, err
	}
	time.Sleep(e.timing.StabilizeDelay)

	// Find the measurement brightness, which must not saturate at
	// high gain
	b, err := e.findGainBrightness(GainHigh, Time200ms, 128, 64, lightCalTargetFactor, report)
	if err != nil {
		return res, err
	}
	if b == 0 {
		return res, fmt.Errorf("%w: no usable measurement brightness found", ErrCalibration)
	}
	res.measBrightness = b

	if err := e.cooldown(report); err != nil {
		return res, err
	}

	e.logger.Info("medium gain calibration")
	med0, med1, err := e.gainRatioLoop(GainLow, GainMedium, Time600ms, gainCalBrightnessLowMed, StageMedium, report)
	if err != nil {
		return res, err
	}
	res.med0 = clampGain(med0, mediumGainBounds, "medium ch0", e)
	res.med1 = clampGain(med1, mediumGainBounds, "medium ch1", e)

	if err := e.cooldown(report); err != nil {
		return res, err
	}

	e.logger.Info("high gain calibration")
	high0, high1, err := e.gainRatioLoop(GainMedium, GainHigh, Time200ms, res.measBrightness, StageHigh, report)
	if err != nil {
		return res, err
	}
	res.high0 = clampGain(high0*res.med0, highGainBounds, "high ch0", e)
	res.high1 = clampGain(high1*res.med1, highGainBounds, "high ch1", e)

	if err := e.cooldown(report); err != nil {
		return res, err
	}

	// Find a brightness dim enough to test maximum gain
	mb, err := e.findGainBrightness(GainMaximum, Time200ms, 4, 16, gainCalTargetFactor, report)
	if err != nil {
		return res, err
	}
	if mb == 0 {
		return res, fmt.Errorf("%w: no usable maximum-gain brightness found", ErrCalibration)
	}
	res.maxBrightness = mb

	if err := e.cooldown(report); err != nil {
		return res, err
	}

	e.logger.Info("maximum gain calibration")
	max0, max1, err := e.gainRatioLoop(GainHigh, GainMaximum, Time200ms, res.maxBrightness, StageMaximum, report)
	if err != nil {
		return res, err
	}
	res.max0 = clampGain(max0*res.high0, maxGainCh0Bounds, "maximum ch0", e)
	res.max1 = clampGain(max1*res.high1, maxGainCh1Bounds, "maximum ch1", e)

	return res, nil
}

// clampGain replaces a measured ratio outside the hardware-plausible
// range with the typical constant. Lenient on purpose: an optical
// disturbance should not brick the whole run, and the warning leaves
// an audit trail.
func clampGain(v float64, b gainBounds, label string, e *Engine) float64 {
	if !(v >= b.min && v <= b.max) {
		e.logger.Warn("gain ratio out of range, using typical value",
			"channel", label, "measured", v, "typical", b.typ)
		return b.typ
	}
	return v
}

// gainRatioLoop measures the gain ratio between two adjacent tiers at
// identical brightness: configure the higher tier, discard the stale
// cycle, synchronize the LED to the next cycle boundary, average five
// raw readings, cool down, repeat at the lower tier.
//
// A non-positive (or saturated) average on either side forces that
// channel's ratio to 0, never negative or NaN.
func (e *Engine) gainRatioLoop(lowTier, highTier GainTier, integ IntegrationTime,
	brightness uint8, stage GainCalStage, report func(GainCalStage, int) bool) (ratio0, ratio1 float64, err error) {

	if lowTier >= highTier {
		return 0, 0, fmt.Errorf("%w: tier order %v >= %v", ErrParameter, lowTier, highTier)
	}

	if !report(stage, 0) {
		return 0, 0, fmt.Errorf("%w: %v calibration", ErrCancelled, stage)
	}

	high0, high1, err := e.litAverage(highTier, integ, brightness, gainCalReadIterations)
	if err != nil {
		return 0, 0, err
	}
	e.logger.Debug("higher tier average", "ch0", high0, "ch1", high1)

	if err := e.cooldown(report); err != nil {
		return 0, 0, err
	}

	if !report(stage, 1) {
		return 0, 0, fmt.Errorf("%w: %v calibration", ErrCancelled, stage)
	}

	low0, low1, err := e.litAverage(lowTier, integ, brightness, gainCalReadIterations)
	if err != nil {
		return 0, 0, err
	}
	e.logger.Debug("lower tier average", "ch0", low0, "ch1", low1)

	ratio0, ratio1 = 0, 0
	if high0 > 0 && low0 > 0 {
		ratio0 = high0 / low0
	}
	if high1 > 0 && low1 > 0 {
		ratio1 = high1 / low1
	}
	return ratio0, ratio1, nil
}

// litAverage is the shared configure / discard stale cycle /
// synchronize light / read-average primitive used by both the
// brightness search and the gain-ratio measurement. The LED is off
// when it returns.
func (e *Engine) litAverage(gain GainTier, integ IntegrationTime, brightness uint8, count int) (ch0, ch1 float64, err error) {
	if err := e.configure(gain, integ); err != nil {
		return math.NaN(), math.NaN(), err
	}

	// First reading at the new settings is stale
	if _, err := e.nextReading(e.timing.SyncTimeout); err != nil {
		return math.NaN(), math.NaN(), err
	}

	if err := e.setLightMode(LightTransmission, true, brightness); err != nil {
		return math.NaN(), math.NaN(), err
	}

	// This cycle turns the LED on at its boundary
	if _, err := e.nextReading(e.timing.SyncTimeout); err != nil {
		return math.NaN(), math.NaN(), err
	}

	ch0, ch1, err = e.ReadAverageRaw(count)

	if lerr := e.setLightMode(LightOff, false, 0); lerr != nil && err == nil {
		err = lerr
	}
	return ch0, ch1, err
}

// cooldown pauses for the LED thermal cooldown, reporting each tick.
func (e *Engine) cooldown(report func(GainCalStage, int) bool) error {
	e.logger.Info("waiting for cool down")
	for i := 0; i < e.timing.CooldownTicks; i++ {
		if !report(StageCooldown, i) {
			return fmt.Errorf("%w: cooldown", ErrCancelled)
		}
		time.Sleep(e.timing.CooldownPeriod)
	}
	return nil
}

// findGainBrightness scans LED brightness between the bounds for the
// level that brings channel 0 closest to targetFactor of saturation.
//
// Ascending scans keep walking while each sample improves on the
// previous best distance to the target and stop, keeping the previous
// best, the moment improvement stops or the sensor saturates.
// Descending scans stop at the first sample at or below the target.
// Returns 0 if no usable level was found.
func (e *Engine) findGainBrightness(gain GainTier, integ IntegrationTime,
	start, end uint8, targetFactor float64, report func(GainCalStage, int) bool) (uint8, error) {

	if start == 0 || start == end ||
		math.IsNaN(targetFactor) || targetFactor < 0.1 || targetFactor > 1.0 {
		return 0, fmt.Errorf("%w: brightness search start=%d end=%d factor=%v",
			ErrParameter, start, end, targetFactor)
	}

	limit := DigitalSaturation
	if integ == Time100ms {
		limit = AnalogSaturation
	}
	target := float64(limit) * targetFactor

	countUp := start < end
	e.logger.Debug("brightness search", "start", start, "end", end, "target", target, "ascending", countUp)

	if !report(StageBrightness, int(start)) {
		return 0, fmt.Errorf("%w: brightness search", ErrCancelled)
	}

	closest := math.NaN()
	var closestLED uint8

	i := start
	for i != end {
		e.logger.Debug("testing brightness", "level", i)

		avg, _, err := e.litAverage(gain, integ, i, ledCheckReadIterations)
		if err != nil {
			return 0, err
		}
		e.logger.Debug("brightness sample", "level", i, "ch0", avg)

		if countUp {
			// Saturated: keep the previous best
			if math.IsNaN(avg) {
				break
			}
			if closestLED == 0 {
				closest = avg
				closestLED = i
			} else {
				curDiff := math.Abs(target - avg)
				lastDiff := math.Abs(target - closest)
				if curDiff < lastDiff {
					closest = avg
					closestLED = i
				} else {
					break
				}
			}
			i++
		} else {
			if !math.IsNaN(avg) && avg <= target {
				closest = avg
				closestLED = i
				break
			}
			i--
		}

		if !report(StageBrightness, int(i)) {
			return 0, fmt.Errorf("%w: brightness search", ErrCancelled)
		}

		dwell := e.timing.DwellHigh
		if i < e.timing.DwellThreshold {
			dwell = e.timing.DwellLow
		}
		time.Sleep(dwell)
	}

	if err := e.setLightMode(LightOff, false, 0); err != nil {
		return 0, err
	}

	e.logger.Debug("selected brightness", "level", closestLED, "ch0", closest)
	return closestLED, nil
}
