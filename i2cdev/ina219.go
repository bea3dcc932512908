package i2cdev

import (
	"context"

	"github.com/pkg/errors"
)

const (
	INA219Addr = 0x40

	ina219RegConfig      = 0x00
	ina219RegBusVoltage  = 0x02
	ina219RegPower       = 0x03
	ina219RegCurrent     = 0x04
	ina219RegCalibration = 0x05

	// 32 V bus, 320 mV shunt, 12 bit, continuous
	ina219Config = 0x399F
	// 0.1 ohm shunt, 0.1 mA per bit
	ina219Calibration = 4096
	ina219CurrentLSB  = 0.0001
	ina219PowerLSB    = 20 * ina219CurrentLSB
	ina219BusLSB      = 0.004
)

// INA219 measures the computer supply rail.
type INA219 struct {
	c Conn
}

func NewINA219(c Conn) (*INA219, error) {
	if err := writeReg16(c, ina219RegConfig, ina219Config); err != nil {
		return nil, errors.Wrap(err, "ina219: unable to configure")
	}
	if err := writeReg16(c, ina219RegCalibration, ina219Calibration); err != nil {
		return nil, errors.Wrap(err, "ina219: unable to calibrate")
	}
	return &INA219{c: c}, nil
}

func (d *INA219) Read(ctx context.Context) (map[string]float64, error) {
	bus, err := readReg16(d.c, ina219RegBusVoltage)
	if err != nil {
		return nil, errors.Wrap(err, "ina219: bus voltage")
	}
	current, err := readReg16(d.c, ina219RegCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "ina219: current")
	}
	power, err := readReg16(d.c, ina219RegPower)
	if err != nil {
		return nil, errors.Wrap(err, "ina219: power")
	}
	return map[string]float64{
		"rpi_voltage_v": float64(bus>>3) * ina219BusLSB,
		"rpi_current_a": float64(int16(current)) * ina219CurrentLSB,
		"rpi_power_w":   float64(power) * ina219PowerLSB,
	}, nil
}
