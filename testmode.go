package teleop

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TestHardware returns simulated providers that generate moving data, for
// running without a vehicle attached.
func TestHardware() Hardware {
	sim := &simulator{start: time.Now()}
	return Hardware{
		Camera:     ImageSource(sim.frame),
		IMU:        FieldSource(sim.inertial),
		Power:      FieldSource(sim.power),
		Thermal:    FieldSource(sim.thermal),
		Motor:      &simOutput{name: "motor"},
		Steering:   &simOutput{name: "steering"},
		FrontBrake: &simOutput{name: "front_brake"},
		RearBrake:  &simOutput{name: "rear_brake"},
	}
}

type simulator struct {
	start time.Time

	mu      sync.Mutex
	frameN  uint16
	temp    float64
	down    bool
	battery float64
}

func (s *simulator) frame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameN++
	return []byte{0xff, 0xd8, byte(s.frameN >> 8), byte(s.frameN), 0xff, 0xd9}, nil
}

func (s *simulator) inertial(ctx context.Context) (map[string]float64, error) {
	t := time.Since(s.start).Seconds()
	return map[string]float64{
		"accel_x": 0.2 * math.Sin(t),
		"accel_y": 0.1 * math.Cos(t/2),
		"accel_z": 1,
		"gyro_x":  0,
		"gyro_y":  0,
		"gyro_z":  30 * math.Sin(t/3),
	}, nil
}

func (s *simulator) power(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.battery <= 9.0 {
		s.battery = 12.6
	}
	s.battery -= 0.001
	return map[string]float64{
		"battery_v":       s.battery,
		"battery_pct":     (s.battery - 9.0) / 3.6 * 100,
		"motor_current_a": 2.5,
		"servo_current_a": 0.4,
	}, nil
}

func (s *simulator) thermal(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		s.temp -= 5
	} else {
		s.temp += 5
	}
	if s.temp >= 90 {
		s.down = true
	} else if s.temp <= 20 {
		s.down = false
	}
	return map[string]float64{"temperature_c": s.temp}, nil
}

type simOutput struct {
	name string
}

func (o *simOutput) SetOutput(pct float64) error {
	log.WithField("output", o.name).WithField("pct", pct).Debug("simulated write")
	return nil
}

func (o *simOutput) SetAngle(deg float64) error {
	log.WithField("output", o.name).WithField("deg", deg).Debug("simulated write")
	return nil
}
