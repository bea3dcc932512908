package teleop

import (
	"context"
	"io"

	"github.com/jd3nn1s/teleop/lemoncan"
)

// Source is a blocking read from one hardware capability provider.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

type SourceFunc func(ctx context.Context) (Reading, error)

func (f SourceFunc) Read(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// FieldSource adapts a provider returning named numeric fields.
func FieldSource(fn func(context.Context) (map[string]float64, error)) Source {
	return SourceFunc(func(ctx context.Context) (Reading, error) {
		fields, err := fn(ctx)
		return Reading{Fields: fields}, err
	})
}

// ImageSource adapts a provider returning encoded frames.
func ImageSource(fn func(context.Context) ([]byte, error)) Source {
	return SourceFunc(func(ctx context.Context) (Reading, error) {
		frame, err := fn(ctx)
		return Reading{Image: frame}, err
	})
}

// MergeFields reads every source in turn and merges their fields. It only
// fails when all of them fail, with the last error.
func MergeFields(srcs ...Source) Source {
	return SourceFunc(func(ctx context.Context) (Reading, error) {
		merged := Reading{Fields: map[string]float64{}}
		var lastErr error
		ok := false
		for _, src := range srcs {
			r, err := src.Read(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			ok = true
			for k, v := range r.Fields {
				merged.Fields[k] = v
			}
		}
		if !ok {
			return Reading{}, lastErr
		}
		return merged, nil
	})
}

// Motor accepts a normalized propulsion output, 0-100 %.
type Motor interface {
	SetOutput(pct float64) error
}

// Servo accepts a position in servo degrees, 0-180.
type Servo interface {
	SetAngle(deg float64) error
}

type CANBus interface {
	Close() error
	Start(context.Context, lemoncan.Callbacks) error
	SendThrottle(permille int) error
}

// Hardware is the set of capability providers a Vehicle runs against.
// Nil sources are not acquired, nil actuators keep in-memory state only.
type Hardware struct {
	Camera  Source
	IMU     Source
	Power   Source
	Thermal Source

	// set when the provider sits on the shared I2C bus
	IMUOnBus     bool
	PowerOnBus   bool
	ThermalOnBus bool

	Motor      Motor
	Steering   Servo
	FrontBrake Servo
	RearBrake  Servo

	// Links are long lived connections kept open with retry.
	Links   []Retryable
	Closers []io.Closer
}
