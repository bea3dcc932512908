package i2cdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	BMI160Addr = 0x68

	bmi160RegChipID = 0x00
	bmi160RegData   = 0x0C // gyro x,y,z then accel x,y,z
	bmi160RegCmd    = 0x7E

	bmi160ChipID      = 0xD1
	bmi160CmdAccNorm  = 0x11
	bmi160CmdGyroNorm = 0x15

	// default ranges, +-2 g and +-250 dps
	accelLSBPerG    = 16384.0
	gyroLSBPerDPS   = 131.2
	standardGravity = 9.80665
)

type BMI160 struct {
	c Conn
}

// NewBMI160 checks the chip id and powers up the accelerometer and gyro.
func NewBMI160(c Conn) (*BMI160, error) {
	id, err := readReg(c, bmi160RegChipID, 1)
	if err != nil {
		return nil, errors.Wrap(err, "bmi160: unable to read chip id")
	}
	if id[0] != bmi160ChipID {
		return nil, &DeviceError{Device: "bmi160", Reason: fmt.Sprintf("unexpected chip id 0x%02x", id[0])}
	}
	if err := writeReg(c, bmi160RegCmd, bmi160CmdAccNorm); err != nil {
		return nil, errors.Wrap(err, "bmi160: unable to start accelerometer")
	}
	sleep(5 * time.Millisecond)
	if err := writeReg(c, bmi160RegCmd, bmi160CmdGyroNorm); err != nil {
		return nil, errors.Wrap(err, "bmi160: unable to start gyro")
	}
	sleep(80 * time.Millisecond)
	return &BMI160{c: c}, nil
}

// Read returns acceleration in g and m/s^2 and angular rate in deg/s.
func (b *BMI160) Read(ctx context.Context) (map[string]float64, error) {
	raw, err := readReg(b.c, bmi160RegData, 12)
	if err != nil {
		return nil, errors.Wrap(err, "bmi160: read failed")
	}
	v := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	fields := map[string]float64{
		"gyro_x":  v(0) / gyroLSBPerDPS,
		"gyro_y":  v(1) / gyroLSBPerDPS,
		"gyro_z":  v(2) / gyroLSBPerDPS,
		"accel_x": v(3) / accelLSBPerG,
		"accel_y": v(4) / accelLSBPerG,
		"accel_z": v(5) / accelLSBPerG,
	}
	for _, axis := range []string{"x", "y", "z"} {
		fields["accel_"+axis+"_ms2"] = fields["accel_"+axis] * standardGravity
	}
	return fields, nil
}
