package teleop

import (
	"context"
	"math"
	"sync"

	"github.com/jd3nn1s/teleop/lemoncan"
	"github.com/pkg/errors"
)

var escConnect = func(p string) (CANBus, error) {
	return lemoncan.Connect(p)
}

// ESC is the CAN connected propulsion controller. It is kept connected by
// retry and doubles as a Motor and as a source of drive train status.
type ESC struct {
	portName string

	mu      sync.Mutex
	c       CANBus
	seen    bool
	temp    int
	rpm     int
	voltage int
}

func NewESC(portName string) *ESC {
	return &ESC{portName: portName}
}

func (e *ESC) Open() error {
	c, err := escConnect(e.portName)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.c = c
	e.mu.Unlock()
	return nil
}

func (e *ESC) Close() error {
	e.mu.Lock()
	c := e.c
	e.c = nil
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (e *ESC) Start(ctx context.Context) error {
	e.mu.Lock()
	c := e.c
	e.mu.Unlock()
	if c == nil {
		return errors.New("esc not open")
	}
	return c.Start(ctx, lemoncan.Callbacks{
		ESCTemp: func(v int) {
			e.update(func() { e.temp = v })
		},
		MotorRPM: func(v int) {
			e.update(func() { e.rpm = v })
		},
		ESCVoltage: func(v int) {
			e.update(func() { e.voltage = v })
		},
	})
}

func (e *ESC) update(fn func()) {
	e.mu.Lock()
	fn()
	e.seen = true
	e.mu.Unlock()
}

func (e *ESC) Name() string {
	return "esc"
}

// SetOutput implements Motor.
func (e *ESC) SetOutput(pct float64) error {
	e.mu.Lock()
	c := e.c
	e.mu.Unlock()
	if c == nil {
		return errors.Wrap(ErrTransient, "esc not connected")
	}
	permille := int(math.Round(clamp(pct, 0, 100) * lemoncan.MaxThrottle / 100))
	if err := c.SendThrottle(permille); err != nil {
		return errors.Wrap(err, "unable to send throttle to CAN bus")
	}
	return nil
}

// Fields returns the last ESC status.
func (e *ESC) Fields(ctx context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen {
		return nil, errors.Wrap(ErrTransient, "no esc status received yet")
	}
	return map[string]float64{
		"esc_temp_c":    float64(e.temp) / 10,
		"motor_rpm":     float64(e.rpm),
		"esc_voltage_v": float64(e.voltage) / 1000,
	}, nil
}
