package teleop

import "math"

// DedupTolerance is the smallest change that causes an actuator write.
const DedupTolerance = 0.1

// appliedValue is the last value successfully written to one physical
// output.
type appliedValue struct {
	value float64
	set   bool
}

func (a *appliedValue) changed(v, tolerance float64) bool {
	return !a.set || math.Abs(v-a.value) > tolerance
}

func (a *appliedValue) store(v float64) {
	a.value = v
	a.set = true
}

// Limits are the output mappings for the drive train.
type Limits struct {
	// GearLimits is the maximum motor output in percent for each gear,
	// starting at gear 1.
	GearLimits       []float64
	MaxBrakeForce    float64
	MaxSteeringAngle float64
}

func DefaultLimits() Limits {
	return Limits{
		GearLimits:       []float64{40, 60, 80, 100, 100},
		MaxBrakeForce:    90,
		MaxSteeringAngle: 40,
	}
}

func (l Limits) MinGear() int {
	return 1
}

func (l Limits) MaxGear() int {
	return len(l.GearLimits)
}

func (l Limits) clampGear(gear int) int {
	return int(clamp(float64(gear), float64(l.MinGear()), float64(l.MaxGear())))
}

// motorOutput scales throttle by the limiter of the current gear.
func (l Limits) motorOutput(throttle float64, gear int) float64 {
	gear = l.clampGear(gear)
	return throttle * l.GearLimits[gear-1] / 100
}

// brakeAngles splits the brake force between the two brake servos. balance
// is the rear share in percent.
func (l Limits) brakeAngles(force, balance float64) (front, rear float64) {
	force = math.Min(force, l.MaxBrakeForce)
	frontShare := force / 100 * (100 - balance) / 100
	rearShare := force / 100 * balance / 100
	return servoCenter + frontShare*90, servoCenter + rearShare*90
}

func (l Limits) steeringAngle(steering float64) float64 {
	angle := steering / 100 * l.MaxSteeringAngle
	return clamp(servoCenter+angle, 0, 180)
}

const servoCenter = 90

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
