package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jd3nn1s/teleop"
	"github.com/jd3nn1s/teleop/camera"
	"github.com/jd3nn1s/teleop/i2cdev"
	"github.com/jd3nn1s/teleop/powerserial"
	"github.com/jd3nn1s/teleop/thermal"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var configFile = flag.String("config", "teleop.toml", "configuration file, relative to the binary")
var testMode = flag.Bool("testmode", false, "generate test data")
var logLevel = flag.String("log-level", "", "override the configured log level")

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	flag.Parse()

	config, err := teleop.LoadConfig(*configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal("unable to load configuration: ", err)
		}
		log.WithField("file", *configFile).Warn("no configuration file, using defaults")
		config = teleop.DefaultConfig()
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatal("bad log level: ", err)
	}
	log.SetLevel(level)

	var hw teleop.Hardware
	if *testMode {
		hw = teleop.TestHardware()
	} else {
		hw = buildHardware(config)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	vehicle, err := teleop.NewVehicle(config, hw, reg)
	if err != nil {
		log.Fatal("unable to create vehicle: ", err)
	}

	if config.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("err", err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := vehicle.Start(ctx); err != nil {
		log.Fatal("unable to start: ", err)
	}
	<-ctx.Done()
	log.Info("shutting down")

	if err := vehicle.Shutdown(config.ShutdownTimeout); err != nil {
		log.WithField("err", err).Error("shutdown incomplete")
		os.Exit(1)
	}
}

// buildHardware opens every configured device. A device that cannot be
// opened is logged and left out rather than stopping the vehicle.
func buildHardware(config *teleop.Config) teleop.Hardware {
	hc := config.Hardware
	hw := teleop.Hardware{}

	cam := camera.New(hc.CameraCommand)
	hw.Camera = teleop.ImageSource(cam.Read)
	hw.Links = append(hw.Links, cam)

	var esc *teleop.ESC
	if hc.ESCInterface != "" {
		esc = teleop.NewESC(hc.ESCInterface)
		hw.Links = append(hw.Links, esc)
		hw.Motor = esc
	}

	var powerSources, thermalSources []teleop.Source

	bus, err := i2cdev.Open(hc.I2CBus)
	if err != nil {
		log.WithField("err", err).Error("no i2c bus, running without inertial, power rail and servos")
	} else {
		hw.Closers = append(hw.Closers, bus)

		if imu, err := i2cdev.NewBMI160(i2cdev.Dev(bus, hc.IMUAddr)); err != nil {
			log.WithField("err", err).Error("bmi160 unavailable")
		} else {
			hw.IMU = teleop.FieldSource(imu.Read)
			hw.IMUOnBus = true
		}

		if ina, err := i2cdev.NewINA219(i2cdev.Dev(bus, hc.PowerAddr)); err != nil {
			log.WithField("err", err).Error("ina219 unavailable")
		} else {
			powerSources = append(powerSources, teleop.FieldSource(ina.Read))
			hw.PowerOnBus = true
		}

		if pwm, err := i2cdev.NewPCA9685(i2cdev.Dev(bus, hc.PWMAddr)); err != nil {
			log.WithField("err", err).Error("pca9685 unavailable, actuators disabled")
		} else {
			hw.Steering = pwm.Servo(hc.SteeringChannel)
			hw.FrontBrake = pwm.Servo(hc.FrontBrakeChannel)
			hw.RearBrake = pwm.Servo(hc.RearBrakeChannel)
			if hw.Motor == nil {
				hw.Motor = pwm.Motor(hc.MotorChannel)
			}
		}
	}

	if hc.PowerSerialPort != "" {
		mon := powerserial.New(hc.PowerSerialPort, hc.PowerSerialBaud)
		hw.Links = append(hw.Links, mon)
		powerSources = append(powerSources, teleop.FieldSource(mon.Read))
	}
	if len(powerSources) > 0 {
		hw.Power = teleop.MergeFields(powerSources...)
	}

	if sensor, err := thermal.Find(hc.ThermalGlob); err != nil {
		log.WithField("err", err).Error("ds18b20 unavailable")
	} else {
		thermalSources = append(thermalSources, teleop.FieldSource(sensor.Read))
	}
	if esc != nil {
		thermalSources = append(thermalSources, teleop.FieldSource(esc.Fields))
	}
	if len(thermalSources) > 0 {
		hw.Thermal = teleop.MergeFields(thermalSources...)
	}
	return hw
}
