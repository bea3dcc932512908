// Package lemoncan talks to the propulsion ESC over SocketCAN.
package lemoncan

import (
	"context"
	"encoding/binary"

	"github.com/brutella/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	frameThrottle uint32 = 0x200

	frameESCTemp    uint32 = 0x210
	frameMotorRPM   uint32 = 0x211
	frameESCVoltage uint32 = 0x212
)

// MaxThrottle is full output in throttle frames.
const MaxThrottle = 1000

type IntResultFn func(v int)

// Callbacks receive ESC status frames. ESCTemp is in tenths of a degree
// Celsius, ESCVoltage in millivolts.
type Callbacks struct {
	ESCTemp    IntResultFn
	MotorRPM   IntResultFn
	ESCVoltage IntResultFn
}

type CANBus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

var newBus = func(portName string) (CANBus, error) {
	return can.NewBusForInterfaceWithName(portName)
}

type Connection struct {
	bus CANBus
	cb  Callbacks
}

func Connect(portName string) (*Connection, error) {
	bus, err := newBus(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open CAN interface %s", portName)
	}

	c := &Connection{
		bus: bus,
	}
	return c, nil
}

func (c *Connection) Start(ctx context.Context, cb Callbacks) error {
	c.cb = cb
	c.bus.SubscribeFunc(c.handleFrame)
	log.Info("CAN bus opened and subscribed")

	go func() {
		<-ctx.Done()
		log.Infof("stopping can bus: %v", ctx.Err())
		if err := c.bus.Disconnect(); err != nil {
			log.WithField("err", err).Warn("unable to disconnect canbus after context")
		}
	}()

	return c.bus.ConnectAndPublish()
}

func (c *Connection) Close() error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	return c.bus.Disconnect()
}

// SendThrottle commands the ESC output in permille, 0 to MaxThrottle.
func (c *Connection) SendThrottle(permille int) error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	if permille < 0 || permille > MaxThrottle {
		return errors.Errorf("throttle %d out of range", permille)
	}
	log.WithField("permille", permille).Debug("sending throttle over canbus")
	f := can.Frame{
		ID:     frameThrottle,
		Length: 2,
	}
	binary.LittleEndian.PutUint16(f.Data[0:2], uint16(permille))
	return c.bus.Publish(f)
}

func (c *Connection) handleFrame(frame can.Frame) {
	log.WithField("canID", frame.ID).
		WithField("length", frame.Length).
		Debug("received canbus frame")

	var cb IntResultFn
	signed := false
	switch frame.ID {
	case frameESCTemp:
		cb = c.cb.ESCTemp
		signed = true
	case frameMotorRPM:
		cb = c.cb.MotorRPM
	case frameESCVoltage:
		cb = c.cb.ESCVoltage
	default:
		log.WithField("canID", frame.ID).
			Debug("ignoring canID")
		return
	}

	if cb == nil {
		log.WithField("canID", frame.ID).Debug("no callback registered")
		return
	}

	v, err := uint16Result(frame)
	if err != nil {
		log.WithField("canID", frame.ID).WithField("err", err).Warn("unable to decode frame")
		return
	}
	if signed {
		v = int(int16(v))
	}
	cb(v)
}

func uint16Result(frame can.Frame) (int, error) {
	if frame.Length != 2 {
		return 0, errors.Errorf("incorrect frame size for uint16: %v", frame.Length)
	}
	return int(binary.LittleEndian.Uint16(frame.Data[0:2])), nil
}
