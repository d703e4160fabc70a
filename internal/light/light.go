// Package light controls the measurement LEDs through GPIO PWM.
package light

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// pwmFrequency is high enough to stay invisible to the sensor's
// shortest integration time.
const pwmFrequency = 5 * physic.KiloHertz

// Controller drives the reflection and transmission LEDs. Levels are
// PWM duty values in 0..255, where 0 turns the source fully off.
type Controller struct {
	reflection   gpio.PinOut
	transmission gpio.PinOut
	logger       *slog.Logger
}

// New resolves the LED control pins by name. Callers must have
// initialized the periph host first.
func New(reflectionPin, transmissionPin string, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	refl := gpioreg.ByName(reflectionPin)
	if refl == nil {
		return nil, fmt.Errorf("unknown reflection pin %q", reflectionPin)
	}
	trans := gpioreg.ByName(transmissionPin)
	if trans == nil {
		return nil, fmt.Errorf("unknown transmission pin %q", transmissionPin)
	}

	c := &Controller{reflection: refl, transmission: trans, logger: logger}
	if err := c.SetReflection(0); err != nil {
		return nil, err
	}
	if err := c.SetTransmission(0); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) SetReflection(level uint8) error {
	return c.set(c.reflection, level)
}

func (c *Controller) SetTransmission(level uint8) error {
	return c.set(c.transmission, level)
}

func (c *Controller) set(pin gpio.PinOut, level uint8) error {
	if level == 0 {
		if err := pin.Out(gpio.Low); err != nil {
			return fmt.Errorf("pin %s off: %w", pin.Name(), err)
		}
		return nil
	}
	if level == 255 {
		if err := pin.Out(gpio.High); err != nil {
			return fmt.Errorf("pin %s on: %w", pin.Name(), err)
		}
		return nil
	}

	duty := gpio.Duty(uint64(level) * uint64(gpio.DutyMax) / 255)
	if err := pin.PWM(duty, pwmFrequency); err != nil {
		return fmt.Errorf("pin %s pwm: %w", pin.Name(), err)
	}
	return nil
}

// Off turns both sources off.
func (c *Controller) Off() {
	if err := c.SetReflection(0); err != nil {
		c.logger.Warn("reflection led off failed", "error", err)
	}
	if err := c.SetTransmission(0); err != nil {
		c.logger.Warn("transmission led off failed", "error", err)
	}
}
