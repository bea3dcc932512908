// Package thermal reads a DS18B20 1-Wire temperature sensor through the
// kernel w1 driver.
package thermal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultGlob = "/sys/bus/w1/devices/28-*/w1_slave"

const (
	WarningC  = 65.0
	CriticalC = 80.0
	ShutdownC = 85.0
)

// ErrCRC means the sensor returned a frame that failed its checksum. The
// next read usually succeeds.
var ErrCRC = errors.New("ds18b20 crc check failed")

// SensorError is a sensor that is missing or unreadable, which retrying
// will not fix.
type SensorError struct {
	Path string
	Err  error
}

func (e *SensorError) Error() string {
	return "ds18b20 " + e.Path + ": " + e.Err.Error()
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

func (e *SensorError) Permanent() bool {
	return true
}

// ParseW1Slave returns the temperature in degrees Celsius from the contents
// of a w1_slave file.
func ParseW1Slave(data []byte) (float64, error) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) < 2 || !bytes.HasSuffix(bytes.TrimSpace(lines[0]), []byte("YES")) {
		return 0, ErrCRC
	}
	i := bytes.Index(lines[1], []byte("t="))
	if i < 0 {
		return 0, errors.Errorf("no temperature in %q", lines[1])
	}
	milli, err := strconv.Atoi(string(bytes.TrimSpace(lines[1][i+2:])))
	if err != nil {
		return 0, errors.Wrap(err, "bad temperature")
	}
	return float64(milli) / 1000, nil
}

// Status grades a temperature: 0 normal, 1 warning, 2 critical, 3 shutdown.
func Status(c float64) int {
	switch {
	case c >= ShutdownC:
		return 3
	case c >= CriticalC:
		return 2
	case c >= WarningC:
		return 1
	}
	return 0
}

type Sensor struct {
	path  string
	alert rate.Sometimes
}

// Find locates the first sensor matching glob.
func Find(glob string) (*Sensor, error) {
	if glob == "" {
		glob = DefaultGlob
	}
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, errors.Wrapf(err, "bad sensor pattern %q", glob)
	}
	if len(matches) == 0 {
		return nil, &SensorError{Path: glob, Err: os.ErrNotExist}
	}
	log.WithField("path", matches[0]).Info("ds18b20 found")
	return NewSensor(matches[0]), nil
}

func NewSensor(path string) *Sensor {
	return &Sensor{
		path:  path,
		alert: rate.Sometimes{Interval: 30 * time.Second},
	}
}

func (s *Sensor) Read(ctx context.Context) (map[string]float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SensorError{Path: s.path, Err: err}
		}
		return nil, errors.Wrap(err, "ds18b20 read failed")
	}
	c, err := ParseW1Slave(data)
	if err != nil {
		return nil, err
	}
	status := Status(c)
	if status > 0 {
		s.alert.Do(func() {
			l := log.WithField("temperature_c", c)
			if status == 1 {
				l.Warn("temperature high")
			} else {
				l.Error("temperature critical")
			}
		})
	}
	return map[string]float64{
		"temperature_c":  c,
		"temperature_f":  c*9/5 + 32,
		"thermal_status": float64(status),
	}, nil
}
