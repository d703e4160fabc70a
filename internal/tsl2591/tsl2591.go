// Package tsl2591 drives the TSL2591 light-to-digital converter over
// I2C.
package tsl2591

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/sensor"
)

// DefaultAddr is the fixed I2C address of the TSL2591.
const DefaultAddr uint16 = 0x29

const (
	cmdBit uint8 = 0xA0 // command, normal transaction

	regEnable   uint8 = 0x00
	regControl  uint8 = 0x01
	regID       uint8 = 0x12
	regStatus   uint8 = 0x13
	regChan0Low uint8 = 0x14
	regChan1Low uint8 = 0x16

	enablePowerOff uint8 = 0x00
	enablePowerOn  uint8 = 0x01
	enableAEN      uint8 = 0x02

	statusAVALID uint8 = 0x01

	deviceID uint8 = 0x50
)

var gainBits = map[sensor.GainTier]uint8{
	sensor.GainLow:     0x00,
	sensor.GainMedium:  0x10,
	sensor.GainHigh:    0x20,
	sensor.GainMaximum: 0x30,
}

// Device implements the photosensor driver against real hardware. A
// background goroutine pumps completed integration cycles into a
// channel once Start is called.
type Device struct {
	bus    i2c.BusCloser
	dev    *i2c.Dev
	logger *slog.Logger

	mu      sync.Mutex
	gain    sensor.GainTier
	integ   sensor.IntegrationTime
	running bool
	seq     uint32
	discard int

	readings chan sensor.Reading
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New opens the sensor on the named I2C bus and verifies its device
// ID.
func New(busName string, addr uint16, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}

	d := &Device{
		bus:    bus,
		dev:    &i2c.Dev{Addr: addr, Bus: bus},
		logger: logger,
		gain:   sensor.GainLow,
		integ:  sensor.Time100ms,
	}

	id, err := d.readReg(regID)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("read device id: %w", err)
	}
	if id != deviceID {
		bus.Close()
		return nil, fmt.Errorf("%w: unexpected device id 0x%02X", sensor.ErrSensor, id)
	}

	if err := d.writeReg(regEnable, enablePowerOff); err != nil {
		bus.Close()
		return nil, fmt.Errorf("power down: %w", err)
	}

	logger.Info("light sensor initialized", "bus", busName, "addr", fmt.Sprintf("0x%02X", addr))
	return d, nil
}

// Close stops the cycle pump and releases the bus.
func (d *Device) Close() error {
	d.Stop()
	return d.bus.Close()
}

// Configure sets gain and integration time. While the sensor is
// running, the in-flight cycle and the settling cycle after it are
// dropped; their sequence numbers are still consumed so readers can
// detect where the new configuration takes effect.
func (d *Device) Configure(gain sensor.GainTier, integ sensor.IntegrationTime) error {
	bits, ok := gainBits[gain]
	if !ok || !integ.Valid() {
		return fmt.Errorf("%w: gain=%v time=%v", sensor.ErrParameter, gain, integ)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeReg(regControl, bits|uint8(integ)); err != nil {
		return fmt.Errorf("write control: %w", err)
	}

	d.gain = gain
	d.integ = integ
	if d.running {
		d.discard += 2
	}
	return nil
}

// Start powers the sensor up and launches the cycle pump. The
// sequence counter restarts, so the first delivered reading has
// sequence 1.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("%w: already running", sensor.ErrSensor)
	}

	if err := d.writeReg(regEnable, enablePowerOn|enableAEN); err != nil {
		return fmt.Errorf("enable: %w", err)
	}

	d.running = true
	d.seq = 0
	d.discard = 0
	d.readings = make(chan sensor.Reading, 4)
	d.stop = make(chan struct{})

	d.wg.Add(1)
	go d.pump(d.readings, d.stop)
	return nil
}

// Stop powers the sensor down and terminates the cycle pump.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(regEnable, enablePowerOff); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	return nil
}

// NextReading returns the next completed integration cycle.
func (d *Device) NextReading(timeout time.Duration) (sensor.Reading, error) {
	d.mu.Lock()
	ch := d.readings
	running := d.running
	d.mu.Unlock()

	if !running {
		return sensor.Reading{}, fmt.Errorf("%w: not running", sensor.ErrSensor)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return sensor.Reading{}, fmt.Errorf("%w: stopped", sensor.ErrSensor)
		}
		return r, nil
	case <-time.After(timeout):
		return sensor.Reading{}, fmt.Errorf("%w: no reading within %v", sensor.ErrSensor, timeout)
	}
}

// pump paces itself by the active integration time, then confirms a
// cycle completed before reading the channel registers. The AVALID
// flag latches after the first cycle, so pacing rather than polling
// keeps one delivery per hardware cycle.
func (d *Device) pump(out chan sensor.Reading, stop chan struct{}) {
	defer d.wg.Done()
	defer close(out)

	for {
		d.mu.Lock()
		wait := time.Duration(d.integ.Milliseconds()) * time.Millisecond
		d.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(wait + 10*time.Millisecond):
		}

		status, err := d.readReg(regStatus)
		if err != nil {
			d.logger.Warn("status read failed", "error", err)
			continue
		}
		if status&statusAVALID == 0 {
			continue
		}

		ch0, err := d.readWord(regChan0Low)
		if err != nil {
			d.logger.Warn("channel 0 read failed", "error", err)
			continue
		}
		ch1, err := d.readWord(regChan1Low)
		if err != nil {
			d.logger.Warn("channel 1 read failed", "error", err)
			continue
		}

		d.mu.Lock()
		d.seq++
		r := sensor.Reading{
			Ch0:       ch0,
			Ch1:       ch1,
			Gain:      d.gain,
			Time:      d.integ,
			Sequence:  d.seq,
			Timestamp: time.Now(),
		}
		skip := d.discard > 0
		if skip {
			d.discard--
		}
		d.mu.Unlock()

		if skip {
			continue
		}

		select {
		case out <- r:
		case <-stop:
			return
		}
	}
}

func (d *Device) writeReg(reg, value uint8) error {
	return d.dev.Tx([]byte{cmdBit | reg, value}, nil)
}

func (d *Device) readReg(reg uint8) (uint8, error) {
	buf := make([]byte, 1)
	if err := d.dev.Tx([]byte{cmdBit | reg}, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) readWord(reg uint8) (uint16, error) {
	buf := make([]byte, 2)
	if err := d.dev.Tx([]byte{cmdBit | reg}, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}
