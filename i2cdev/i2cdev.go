// Package i2cdev drives the devices on the shared I2C bus: the BMI160
// inertial unit, the INA219 power monitor and the PCA9685 PWM controller.
//
// Nothing in this package locks the bus. Callers serialise access.
package i2cdev

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Conn is one addressed device on the bus. *i2c.Dev implements it.
type Conn interface {
	Tx(w, r []byte) error
}

// to allow testing
var sleep = time.Sleep

// Open initialises the host drivers and opens the named bus, the first
// one when name is empty.
func Open(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "unable to initialise host drivers")
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open i2c bus %q", name)
	}
	return bus, nil
}

// Dev addresses a device on bus.
func Dev(bus i2c.Bus, addr uint16) *i2c.Dev {
	return &i2c.Dev{Bus: bus, Addr: addr}
}

// DeviceError reports a device that answered but is not what was expected,
// which retrying will not fix.
type DeviceError struct {
	Device string
	Reason string
}

func (e *DeviceError) Error() string {
	return e.Device + ": " + e.Reason
}

func (e *DeviceError) Permanent() bool {
	return true
}

func writeReg(c Conn, reg byte, data ...byte) error {
	return c.Tx(append([]byte{reg}, data...), nil)
}

func readReg(c Conn, reg byte, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.Tx([]byte{reg}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readReg16(c Conn, reg byte) (uint16, error) {
	b, err := readReg(c, reg, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func writeReg16(c Conn, reg byte, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return writeReg(c, reg, b[:]...)
}
