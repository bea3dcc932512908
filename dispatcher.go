package teleop

import (
	"context"
	"sync"
	"time"

	"github.com/jd3nn1s/teleop/buslock"
	"github.com/jd3nn1s/teleop/command"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWriteAttempts = 3
	defaultBrakeBalance  = 50
)

// ActuatorState is the commanded state of the drive train.
type ActuatorState struct {
	Throttle     float64
	Gear         int
	Brake        float64
	BrakeBalance float64
	Steering     float64
}

func (s ActuatorState) Fields() map[string]float64 {
	return map[string]float64{
		"throttle":      s.Throttle,
		"gear":          float64(s.Gear),
		"brake":         s.Brake,
		"brake_balance": s.BrakeBalance,
		"steering":      s.Steering,
	}
}

// Dispatcher applies operator commands to the actuators. Propulsion, brake
// and steering each have their own lock so that a slow write to one does not
// hold up the others. The commanded state is kept apart under stateMu,
// which is never held across a write.
type Dispatcher struct {
	limits   Limits
	bus      *buslock.Lock
	metrics  *Metrics
	attempts int
	errLog   *rateLimited

	motor      Motor
	steerServo Servo
	frontServo Servo
	rearServo  Servo

	propulsionMu sync.Mutex
	throttle     float64
	gear         int
	motorOut     appliedValue

	brakeMu  sync.Mutex
	brake    float64
	balance  float64
	frontOut appliedValue
	rearOut  appliedValue

	steeringMu  sync.Mutex
	steering    float64
	steeringOut appliedValue

	stateMu   sync.Mutex
	commanded ActuatorState
}

func NewDispatcher(limits Limits, bus *buslock.Lock, hw Hardware, metrics *Metrics) *Dispatcher {
	if len(limits.GearLimits) == 0 {
		limits.GearLimits = DefaultLimits().GearLimits
	}
	if bus == nil {
		bus = buslock.New()
	}
	d := &Dispatcher{
		limits:     limits,
		bus:        bus,
		metrics:    metrics,
		attempts:   defaultWriteAttempts,
		errLog:     newRateLimited(5 * time.Second),
		motor:      hw.Motor,
		steerServo: hw.Steering,
		frontServo: hw.FrontBrake,
		rearServo:  hw.RearBrake,
		gear:       limits.MinGear(),
		balance:    defaultBrakeBalance,
	}
	d.commanded = ActuatorState{Gear: d.gear, BrakeBalance: d.balance}
	return d
}

// Apply implements forwarder.Handler. Values out of range are clamped.
func (d *Dispatcher) Apply(ctx context.Context, c command.Command) error {
	switch c.Kind {
	case command.Throttle:
		d.propulsionMu.Lock()
		defer d.propulsionMu.Unlock()
		d.throttle = clamp(c.Value, 0, 100)
		d.update(func(s *ActuatorState) { s.Throttle = d.throttle })
		return d.writeMotor(ctx)
	case command.GearUp, command.GearDown:
		d.propulsionMu.Lock()
		defer d.propulsionMu.Unlock()
		gear := d.gear + 1
		if c.Kind == command.GearDown {
			gear = d.gear - 1
		}
		gear = d.limits.clampGear(gear)
		if gear == d.gear {
			return nil
		}
		d.gear = gear
		d.update(func(s *ActuatorState) { s.Gear = gear })
		log.WithField("gear", gear).Debug("gear changed")
		if d.throttle > 0 {
			return d.writeMotor(ctx)
		}
		return nil
	case command.Brake:
		d.brakeMu.Lock()
		defer d.brakeMu.Unlock()
		d.brake = clamp(c.Value, 0, 100)
		d.update(func(s *ActuatorState) { s.Brake = d.brake })
		return d.writeBrakes(ctx)
	case command.BrakeBalance:
		d.brakeMu.Lock()
		defer d.brakeMu.Unlock()
		d.balance = clamp(c.Value, 0, 100)
		d.update(func(s *ActuatorState) { s.BrakeBalance = d.balance })
		if d.brake > 0 {
			return d.writeBrakes(ctx)
		}
		return nil
	case command.Steering:
		d.steeringMu.Lock()
		defer d.steeringMu.Unlock()
		d.steering = clamp(c.Value, -100, 100)
		d.update(func(s *ActuatorState) { s.Steering = d.steering })
		return d.writeSteering(ctx)
	case command.Disconnect:
		return d.Neutral(ctx)
	}
	return nil
}

// Neutral releases throttle and brake and centres the steering. Every
// output is attempted even if an earlier one fails.
func (d *Dispatcher) Neutral(ctx context.Context) error {
	var errs []error
	for _, c := range []command.Command{
		{Kind: command.Throttle},
		{Kind: command.Brake},
		{Kind: command.Steering},
	} {
		if err := d.Apply(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "%d of 3 outputs not neutral", len(errs))
	}
	return nil
}

// State is the commanded state. It does not wait for writes in flight.
func (d *Dispatcher) State() ActuatorState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.commanded
}

func (d *Dispatcher) update(fn func(*ActuatorState)) {
	d.stateMu.Lock()
	fn(&d.commanded)
	d.stateMu.Unlock()
}

// must hold propulsionMu
func (d *Dispatcher) writeMotor(ctx context.Context) error {
	out := d.limits.motorOutput(d.throttle, d.gear)
	var fn func(float64) error
	if d.motor != nil {
		fn = d.motor.SetOutput
	}
	return d.write(ctx, "motor", buslock.Medium, &d.motorOut, out, fn)
}

// must hold brakeMu
func (d *Dispatcher) writeBrakes(ctx context.Context) error {
	front, rear := d.limits.brakeAngles(d.brake, d.balance)
	err := d.write(ctx, "front_brake", buslock.High, &d.frontOut, front, servoFn(d.frontServo))
	if rerr := d.write(ctx, "rear_brake", buslock.High, &d.rearOut, rear, servoFn(d.rearServo)); err == nil {
		err = rerr
	}
	return err
}

// must hold steeringMu
func (d *Dispatcher) writeSteering(ctx context.Context) error {
	angle := d.limits.steeringAngle(d.steering)
	return d.write(ctx, "steering", buslock.Medium, &d.steeringOut, angle, servoFn(d.steerServo))
}

func servoFn(s Servo) func(float64) error {
	if s == nil {
		return nil
	}
	return s.SetAngle
}

// write sends v to one output unless it is within DedupTolerance of the last
// value written. The applied value only moves on success.
func (d *Dispatcher) write(ctx context.Context, output string, tier buslock.Tier,
	applied *appliedValue, v float64, fn func(float64) error) error {
	if !applied.changed(v, DedupTolerance) {
		d.metrics.write(output, "skipped")
		return nil
	}
	if fn == nil {
		applied.store(v)
		return nil
	}

	err := retryTransient(ctx, d.attempts, func() error {
		wait, err := d.bus.DoContext(ctx, tier, func() error {
			return fn(v)
		})
		d.metrics.busWaited(tier, wait)
		return err
	})
	if err != nil {
		d.metrics.write(output, "failed")
		d.metrics.busError(output)
		d.errLog.Do(func() {
			log.WithField("output", output).WithField("value", v).WithField("err", err).
				Error("actuator write failed")
		})
		return errors.Wrapf(err, "%s write", output)
	}
	applied.store(v)
	d.metrics.write(output, "written")
	return nil
}
