// Package powerserial reads the power monitor micro-controller, which
// reports battery voltage and the servo and motor currents over USB serial.
package powerserial

import (
	"bufio"
	"context"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBaud = 115200

	linePrefix = "PWR:"
	// 3S LiPo
	batteryEmpty = 9.0
	batteryFull  = 12.6
	// servo rail regulator output
	servoRailVolts = 5.25

	medianWindow = 5
	emaAlpha     = 0.2
)

// ErrNoData is returned by Read before the first sample or after the
// controller has gone quiet.
var ErrNoData = errors.New("no power data")

var openPort = func(name string, baud int) (io.ReadCloser, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type Sample struct {
	BatteryV      float64
	ServoCurrentA float64
	MotorCurrentA float64
}

// ParseLine decodes PWR:<v_bat>,<i_servos>,<i_motor>.
func ParseLine(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, linePrefix) {
		return Sample{}, errors.Errorf("not a power line: %q", line)
	}
	parts := strings.Split(strings.TrimPrefix(line, linePrefix), ",")
	if len(parts) != 3 {
		return Sample{}, errors.Errorf("expected 3 values, got %d", len(parts))
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Sample{}, errors.Errorf("bad value %q", p)
		}
		v[i] = f
	}
	return Sample{BatteryV: v[0], ServoCurrentA: v[1], MotorCurrentA: v[2]}, nil
}

// BatteryPercent maps pack voltage to charge, clamped to 0-100.
func BatteryPercent(v float64) float64 {
	if v <= 0 {
		return 0
	}
	pct := (v - batteryEmpty) / (batteryFull - batteryEmpty) * 100
	return math.Max(0, math.Min(100, pct))
}

// filter rejects spikes with a running median, then smooths with an EMA.
type filter struct {
	window []float64
	ema    float64
	primed bool
}

func (f *filter) add(v float64) float64 {
	f.window = append(f.window, v)
	if len(f.window) > medianWindow {
		f.window = f.window[1:]
	}
	m := v
	if len(f.window) >= 3 {
		sorted := append([]float64(nil), f.window...)
		sort.Float64s(sorted)
		if n := len(sorted); n%2 == 1 {
			m = sorted[n/2]
		} else {
			m = (sorted[n/2-1] + sorted[n/2]) / 2
		}
	}
	if !f.primed {
		f.ema, f.primed = m, true
	} else {
		f.ema = emaAlpha*f.ema + (1-emaAlpha)*m
	}
	return f.ema
}

// Monitor keeps the serial link open and holds the latest filtered sample.
// It is a long lived link for the reconnect loop and a field source.
type Monitor struct {
	portName   string
	baud       int
	staleAfter time.Duration

	mu       sync.Mutex
	port     io.ReadCloser
	last     Sample
	lastAt   time.Time
	battery  filter
	servos   filter
	motor    filter
	rejected int
}

func New(portName string, baud int) *Monitor {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Monitor{
		portName:   portName,
		baud:       baud,
		staleAfter: 3 * time.Second,
	}
}

func (m *Monitor) Name() string {
	return "power-serial"
}

func (m *Monitor) Open() error {
	p, err := openPort(m.portName, m.baud)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", m.portName)
	}
	m.mu.Lock()
	m.port = p
	m.mu.Unlock()
	return nil
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	p := m.port
	m.port = nil
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

// Start reads lines until the port fails or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	p := m.port
	m.mu.Unlock()
	if p == nil {
		return errors.New("power serial port not open")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = m.Close()
	})
	defer stop()

	scanner := bufio.NewScanner(p)
	for scanner.Scan() {
		m.handleLine(scanner.Text(), time.Now())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "power serial read failed")
	}
	return io.ErrUnexpectedEOF
}

func (m *Monitor) handleLine(line string, at time.Time) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case strings.HasPrefix(line, linePrefix):
		s, err := ParseLine(line)
		if err != nil {
			m.mu.Lock()
			m.rejected++
			n := m.rejected
			m.mu.Unlock()
			if n%50 == 1 {
				log.WithField("err", err).WithField("rejected", n).Warn("bad power line")
			}
			return
		}
		m.mu.Lock()
		m.last = Sample{
			BatteryV:      m.battery.add(s.BatteryV),
			ServoCurrentA: m.servos.add(s.ServoCurrentA),
			MotorCurrentA: m.motor.add(s.MotorCurrentA),
		}
		m.lastAt = at
		m.mu.Unlock()
	case strings.HasPrefix(line, "STATUS:"), strings.HasPrefix(line, "CAL_DONE:"):
		log.WithField("status", line).Info("power monitor")
	default:
		log.WithField("line", line).Debug("ignoring power monitor line")
	}
}

// Latest returns the filtered sample and when it was received.
func (m *Monitor) Latest() (Sample, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastAt
}

// Read returns the latest sample as telemetry fields.
func (m *Monitor) Read(ctx context.Context) (map[string]float64, error) {
	s, at := m.Latest()
	if at.IsZero() {
		return nil, ErrNoData
	}
	if age := time.Since(at); age > m.staleAfter {
		return nil, errors.Wrapf(ErrNoData, "last sample %v ago", age.Round(time.Millisecond))
	}
	return map[string]float64{
		"battery_v":       s.BatteryV,
		"battery_pct":     BatteryPercent(s.BatteryV),
		"servo_current_a": s.ServoCurrentA,
		"motor_current_a": s.MotorCurrentA,
		"servo_power_w":   math.Abs(s.ServoCurrentA) * servoRailVolts,
		"motor_power_w":   math.Abs(s.MotorCurrentA) * s.BatteryV,
	}, nil
}
