package teleop

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jd3nn1s/teleop/buslock"
	"github.com/jd3nn1s/teleop/command"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type drivetrain struct {
	motor, steering, front, rear *outputStub
}

func newTestDispatcher(metrics *Metrics) (*Dispatcher, drivetrain) {
	dt := drivetrain{
		motor:    &outputStub{},
		steering: &outputStub{},
		front:    &outputStub{},
		rear:     &outputStub{},
	}
	d := NewDispatcher(DefaultLimits(), buslock.New(), Hardware{
		Motor:      dt.motor,
		Steering:   dt.steering,
		FrontBrake: dt.front,
		RearBrake:  dt.rear,
	}, metrics)
	return d, dt
}

func apply(t *testing.T, d *Dispatcher, line string) {
	t.Helper()
	c, err := command.Parse(line)
	require.NoError(t, err)
	require.NoError(t, d.Apply(context.Background(), c))
}

func TestThrottleWrittenOnce(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	d, dt := newTestDispatcher(metrics)

	apply(t, d, "CONTROL:THROTTLE:75")
	apply(t, d, "CONTROL:THROTTLE:75")

	// gear 1 limits the motor to 40 %
	assert.Equal(t, []float64{30}, dt.motor.writes())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.writes.WithLabelValues("motor", "written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.writes.WithLabelValues("motor", "skipped")))
}

func TestWriteDedupTolerance(t *testing.T) {
	d, dt := newTestDispatcher(nil)

	apply(t, d, "CONTROL:STEERING:50")
	// 0.1 % of 40 degrees is well within tolerance
	apply(t, d, "CONTROL:STEERING:50.1")
	assert.Len(t, dt.steering.writes(), 1)

	apply(t, d, "CONTROL:STEERING:51")
	assert.InDeltaSlice(t, []float64{110, 110.4}, dt.steering.writes(), 1e-9)
}

func TestGearStaysAtMax(t *testing.T) {
	d, dt := newTestDispatcher(nil)
	for i := 0; i < 10; i++ {
		apply(t, d, "CONTROL:GEAR_UP")
	}
	assert.Equal(t, 5, d.State().Gear)
	assert.Empty(t, dt.motor.writes(), "no throttle, no motor write on a shift")

	for i := 0; i < 10; i++ {
		apply(t, d, "CONTROL:GEAR_DOWN")
	}
	assert.Equal(t, 1, d.State().Gear)
}

func TestGearShiftReappliesThrottle(t *testing.T) {
	d, dt := newTestDispatcher(nil)
	apply(t, d, "CONTROL:THROTTLE:50")
	apply(t, d, "CONTROL:GEAR_UP")
	apply(t, d, "CONTROL:GEAR_UP")
	apply(t, d, "CONTROL:GEAR_UP")
	// gears 4 and 5 share the same limiter
	apply(t, d, "CONTROL:GEAR_UP")
	assert.Equal(t, []float64{20, 30, 40, 50}, dt.motor.writes())
}

func TestClamping(t *testing.T) {
	d, dt := newTestDispatcher(nil)
	apply(t, d, "CONTROL:STEERING:150")
	apply(t, d, "CONTROL:THROTTLE:-20")
	apply(t, d, "CONTROL:BRAKE:250")
	apply(t, d, "CONTROL:BRAKE_BALANCE:-5")

	want := ActuatorState{Throttle: 0, Gear: 1, Brake: 100, BrakeBalance: 0, Steering: 100}
	if diff := cmp.Diff(want, d.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{130}, dt.steering.writes())
	assert.Equal(t, []float64{0}, dt.motor.writes())
}

func TestBrakeBalance(t *testing.T) {
	d, dt := newTestDispatcher(nil)

	// no brake applied, balance is only remembered
	apply(t, d, "CONTROL:BRAKE_BALANCE:25")
	assert.Empty(t, dt.front.writes())

	// force is capped at 90 %
	apply(t, d, "CONTROL:BRAKE:100")
	assert.InDelta(t, 90+0.9*0.75*90, dt.front.writes()[0], 1e-9)
	assert.InDelta(t, 90+0.9*0.25*90, dt.rear.writes()[0], 1e-9)

	apply(t, d, "CONTROL:BRAKE_BALANCE:50")
	assert.Len(t, dt.front.writes(), 2)
	assert.InDelta(t, dt.front.writes()[1], dt.rear.writes()[1], 1e-9)
}

func TestFailedWriteNotApplied(t *testing.T) {
	defer noDelays()()
	metrics := NewMetrics(prometheus.NewRegistry())
	d, dt := newTestDispatcher(metrics)
	dt.motor.failN = 3
	dt.motor.err = errors.Wrap(ErrTransient, "i2c nack")

	c := command.Command{Kind: command.Throttle, Value: 100}
	err := d.Apply(context.Background(), c)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, dt.motor.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.busErrors.WithLabelValues("motor")))

	// the same value is written again since the last one never landed
	require.NoError(t, d.Apply(context.Background(), c))
	assert.Equal(t, []float64{40}, dt.motor.writes())
}

func TestTransientWriteRetried(t *testing.T) {
	defer noDelays()()
	d, dt := newTestDispatcher(nil)
	dt.steering.failN = 2
	dt.steering.err = ErrTransient

	apply(t, d, "CONTROL:STEERING:-100")
	assert.Equal(t, []float64{50}, dt.steering.writes())
	assert.Equal(t, 3, dt.steering.callCount())
}

func TestNeutralOnDisconnect(t *testing.T) {
	d, dt := newTestDispatcher(nil)
	apply(t, d, "CONTROL:THROTTLE:60")
	apply(t, d, "CONTROL:BRAKE:30")
	apply(t, d, "CONTROL:STEERING:-40")
	apply(t, d, "DISCONNECT")

	s := d.State()
	assert.Equal(t, 0.0, s.Throttle)
	assert.Equal(t, 0.0, s.Brake)
	assert.Equal(t, 0.0, s.Steering)
	assert.Equal(t, 0.0, dt.motor.writes()[1])
	assert.Equal(t, 90.0, dt.steering.writes()[1])
	assert.Equal(t, 90.0, dt.front.writes()[1])
}

func TestDispatcherWithoutHardware(t *testing.T) {
	d := NewDispatcher(DefaultLimits(), nil, Hardware{}, nil)
	require.NoError(t, d.Apply(context.Background(), command.Command{Kind: command.Throttle, Value: 10}))
	assert.Equal(t, map[string]float64{
		"throttle":      10,
		"gear":          1,
		"brake":         0,
		"brake_balance": 50,
		"steering":      0,
	}, d.State().Fields())
}

func TestStateNotHeldByWriteInFlight(t *testing.T) {
	servo := newBlockingOutput()
	defer close(servo.release)
	d := NewDispatcher(DefaultLimits(), buslock.New(), Hardware{Steering: servo}, nil)

	go func() {
		_ = d.Apply(context.Background(), command.Command{Kind: command.Steering, Value: 50})
	}()
	<-servo.started

	c := &telemetryCollector{state: NewState(), dispatcher: d}
	got := make(chan map[string]float64, 1)
	go func() {
		_, f := c.Collect(time.Now())
		got <- f
	}()
	select {
	case f := <-got:
		assert.Equal(t, 50.0, f["steering"])
		assert.Equal(t, 1.0, f["gear"])
	case <-time.After(100 * time.Millisecond):
		t.Fatal("collect blocked behind a steering write")
	}
}

func TestWriteGivesUpWaitingForBus(t *testing.T) {
	bus := buslock.New()
	motor := &outputStub{}
	d := NewDispatcher(DefaultLimits(), bus, Hardware{Motor: motor}, nil)
	bus.Acquire(buslock.Low)
	defer bus.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Apply(ctx, command.Command{Kind: command.Throttle, Value: 50})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, motor.callCount())
	assert.Equal(t, 50.0, d.State().Throttle)
}
