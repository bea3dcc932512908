package i2cdev

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	PCA9685Addr = 0x41

	pcaRegMode1    = 0x00
	pcaRegLED0     = 0x06
	pcaRegPrescale = 0xFE

	pcaMode1Sleep   = 0x10
	pcaMode1AutoInc = 0x20
	pcaMode1Restart = 0x80

	// 25 MHz / (4096 * 50 Hz) - 1
	pcaPrescale50Hz = 121
	pwmPeriodMicros = 20000

	servoMinMicros = 500
	servoMaxMicros = 2500
	escMinMicros   = 1000
	escMaxMicros   = 2000
)

// PCA9685 is a 16 channel PWM controller running at 50 Hz for servos.
type PCA9685 struct {
	c Conn
}

func NewPCA9685(c Conn) (*PCA9685, error) {
	if err := writeReg(c, pcaRegMode1, pcaMode1Sleep); err != nil {
		return nil, errors.Wrap(err, "pca9685: unable to sleep")
	}
	if err := writeReg(c, pcaRegPrescale, pcaPrescale50Hz); err != nil {
		return nil, errors.Wrap(err, "pca9685: unable to set prescaler")
	}
	if err := writeReg(c, pcaRegMode1, 0); err != nil {
		return nil, errors.Wrap(err, "pca9685: unable to wake")
	}
	sleep(5 * time.Millisecond)
	if err := writeReg(c, pcaRegMode1, pcaMode1Restart|pcaMode1AutoInc); err != nil {
		return nil, errors.Wrap(err, "pca9685: unable to restart")
	}
	return &PCA9685{c: c}, nil
}

// SetPulse sets the high time of channel ch in microseconds.
func (p *PCA9685) SetPulse(ch int, micros float64) error {
	if ch < 0 || ch > 15 {
		return errors.Errorf("pca9685: no channel %d", ch)
	}
	ticks := uint16(math.Round(micros * 4096 / pwmPeriodMicros))
	if ticks > 4095 {
		ticks = 4095
	}
	reg := byte(pcaRegLED0 + 4*ch)
	if err := writeReg(p.c, reg, 0, 0, byte(ticks), byte(ticks>>8)); err != nil {
		return errors.Wrapf(err, "pca9685: channel %d", ch)
	}
	return nil
}

// Servo returns channel ch as a servo taking 0-180 degrees.
func (p *PCA9685) Servo(ch int) *Servo {
	return &Servo{pwm: p, ch: ch}
}

// Motor returns channel ch as an RC style ESC input taking 0-100 %.
func (p *PCA9685) Motor(ch int) *Motor {
	return &Motor{pwm: p, ch: ch}
}

type Servo struct {
	pwm *PCA9685
	ch  int
}

func (s *Servo) SetAngle(deg float64) error {
	deg = math.Max(0, math.Min(180, deg))
	return s.pwm.SetPulse(s.ch, servoMinMicros+deg/180*(servoMaxMicros-servoMinMicros))
}

type Motor struct {
	pwm *PCA9685
	ch  int
}

func (m *Motor) SetOutput(pct float64) error {
	pct = math.Max(0, math.Min(100, pct))
	return m.pwm.SetPulse(m.ch, escMinMicros+pct/100*(escMaxMicros-escMinMicros))
}
