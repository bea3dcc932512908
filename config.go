package teleop

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	LogLevel string
	// MetricsAddr serves /metrics when set, e.g. ":9100".
	MetricsAddr      string
	ShutdownTimeout  time.Duration
	ErrorLogInterval time.Duration

	Peer     PeerConfig
	Rates    RateConfig
	Limits   LimitsConfig
	Hardware HardwareConfig
}

type PeerConfig struct {
	// Name is the operator host name or address. When empty the source of
	// inbound commands is used.
	Name            string
	DataPort        int
	CommandPort     int
	HighRatePort    int
	ResolveInterval time.Duration
	SendTimeout     time.Duration
	SlowSend        time.Duration
	WriteBuffer     int
	MaxFrameRate    float64
}

// RateConfig holds acquisition rates in Hz.
type RateConfig struct {
	Camera  float64
	IMU     float64
	Power   float64
	Thermal float64
}

type LimitsConfig struct {
	GearLimits       []float64
	MaxBrakeForce    float64
	MaxSteeringAngle float64
}

type HardwareConfig struct {
	// I2CBus is the periph bus name, empty for the first bus.
	I2CBus    string
	IMUAddr   uint16
	PowerAddr uint16
	PWMAddr   uint16

	SteeringChannel   int
	FrontBrakeChannel int
	RearBrakeChannel  int
	MotorChannel      int

	// ESCInterface drives propulsion over CAN instead of PWM when set.
	ESCInterface string

	// PowerSerialPort adds the power monitor MCU battery readings to the
	// INA219 rail readings when set.
	PowerSerialPort string
	PowerSerialBaud int

	ThermalGlob   string
	CameraCommand []string
}

// LoadConfig reads fileName from the directory holding the binary.
func LoadConfig(fileName string) (*Config, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to determine binary location")
	}
	path := fileName
	if !filepath.IsAbs(fileName) {
		path = filepath.Join(dir, fileName)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

func LoadConfigFromReader(configReader io.Reader) (*Config, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := Config{}
	md, err := toml.Decode(string(configData), &config)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load teleop configuration")
	}
	config.applyDefaults(md)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() *Config {
	config := Config{}
	config.applyDefaults(toml.MetaData{})
	return &config
}

func (c *Config) applyDefaults(md toml.MetaData) {
	setString(&c.LogLevel, "info")
	setDuration(&c.ShutdownTimeout, 5*time.Second)
	setDuration(&c.ErrorLogInterval, 5*time.Second)

	p := &c.Peer
	setInt(&p.DataPort, 9999)
	setInt(&p.CommandPort, 9998)
	setInt(&p.HighRatePort, 9997)
	setDuration(&p.ResolveInterval, 10*time.Second)
	setDuration(&p.SendTimeout, 5*time.Millisecond)
	setDuration(&p.SlowSend, 20*time.Millisecond)
	setInt(&p.WriteBuffer, 256*1024)
	setFloat(&p.MaxFrameRate, 120)

	setFloat(&c.Rates.Camera, defaultRates[Image])
	setFloat(&c.Rates.IMU, defaultRates[Inertial])
	setFloat(&c.Rates.Power, defaultRates[Power])
	setFloat(&c.Rates.Thermal, defaultRates[Thermal])

	d := DefaultLimits()
	if len(c.Limits.GearLimits) == 0 {
		c.Limits.GearLimits = d.GearLimits
	}
	setFloat(&c.Limits.MaxBrakeForce, d.MaxBrakeForce)
	setFloat(&c.Limits.MaxSteeringAngle, d.MaxSteeringAngle)

	h := &c.Hardware
	if h.IMUAddr == 0 {
		h.IMUAddr = 0x68
	}
	if h.PowerAddr == 0 {
		h.PowerAddr = 0x40
	}
	if h.PWMAddr == 0 {
		h.PWMAddr = 0x41
	}
	// 0 is a valid channel, so only keys absent from the file are defaulted
	for _, ch := range []struct {
		v   *int
		key string
		d   int
	}{
		{&h.FrontBrakeChannel, "FrontBrakeChannel", 0},
		{&h.RearBrakeChannel, "RearBrakeChannel", 1},
		{&h.SteeringChannel, "SteeringChannel", 2},
		{&h.MotorChannel, "MotorChannel", 3},
	} {
		if !md.IsDefined("Hardware", ch.key) {
			*ch.v = ch.d
		}
	}
	setInt(&h.PowerSerialBaud, 115200)
	setString(&h.ThermalGlob, "/sys/bus/w1/devices/28-*/w1_slave")
	if len(h.CameraCommand) == 0 {
		h.CameraCommand = []string{"rpicam-vid", "-t", "0", "-n", "--codec", "mjpeg",
			"--width", "640", "--height", "480", "--framerate", "30", "-q", "20", "-o", "-"}
	}
}

func (c *Config) validate() error {
	for _, port := range []int{c.Peer.DataPort, c.Peer.CommandPort, c.Peer.HighRatePort} {
		if port <= 0 || port > 65535 {
			return errors.Errorf("port %d out of range", port)
		}
	}
	for name, d := range map[string]time.Duration{
		"ShutdownTimeout":      c.ShutdownTimeout,
		"ErrorLogInterval":     c.ErrorLogInterval,
		"Peer.ResolveInterval": c.Peer.ResolveInterval,
		"Peer.SendTimeout":     c.Peer.SendTimeout,
		"Peer.SlowSend":        c.Peer.SlowSend,
	} {
		if d <= 0 {
			return errors.Errorf("%s %v must be positive", name, d)
		}
	}
	for name, v := range map[string]float64{
		"Peer.MaxFrameRate": c.Peer.MaxFrameRate,
		"Rates.Camera":      c.Rates.Camera,
		"Rates.IMU":         c.Rates.IMU,
		"Rates.Power":       c.Rates.Power,
		"Rates.Thermal":     c.Rates.Thermal,
	} {
		if v <= 0 {
			return errors.Errorf("%s %v must be positive", name, v)
		}
	}
	if c.Peer.WriteBuffer <= 0 {
		return errors.Errorf("Peer.WriteBuffer %d must be positive", c.Peer.WriteBuffer)
	}
	h := c.Hardware
	for _, ch := range []int{h.FrontBrakeChannel, h.RearBrakeChannel, h.SteeringChannel, h.MotorChannel} {
		if ch < 0 || ch > 15 {
			return errors.Errorf("pwm channel %d out of range", ch)
		}
	}
	for i, l := range c.Limits.GearLimits {
		if l <= 0 || l > 100 {
			return errors.Errorf("gear %d limit %v out of range", i+1, l)
		}
	}
	if c.Limits.MaxBrakeForce > 100 {
		return errors.Errorf("max brake force %v above 100", c.Limits.MaxBrakeForce)
	}
	if c.Limits.MaxSteeringAngle > 90 {
		return errors.Errorf("max steering angle %v above 90", c.Limits.MaxSteeringAngle)
	}
	return nil
}

func (c *Config) limits() Limits {
	return Limits{
		GearLimits:       c.Limits.GearLimits,
		MaxBrakeForce:    c.Limits.MaxBrakeForce,
		MaxSteeringAngle: c.Limits.MaxSteeringAngle,
	}
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}

func setDuration(v *time.Duration, d time.Duration) {
	if *v == 0 {
		*v = d
	}
}
