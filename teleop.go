// Package teleop is the vehicle side of a remote driving link. It acquires
// camera, inertial, power and thermal readings, streams them to the operator
// over UDP and applies operator commands to the drive train.
package teleop

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jd3nn1s/teleop/buslock"
	"github.com/jd3nn1s/teleop/forwarder"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// neutralTimeout bounds the final actuator writes at shutdown. A writer
// that holds an actuator past neutralTimeout+neutralSlack is reported stuck.
const (
	neutralTimeout = 500 * time.Millisecond
	neutralSlack   = 100 * time.Millisecond
)

// ShutdownError lists the loops that did not stop within the grace period.
type ShutdownError struct {
	Stuck []string
}

func (e *ShutdownError) Error() string {
	return "components did not stop: " + strings.Join(e.Stuck, ", ")
}

type loop struct {
	name string
	done chan struct{}
}

// Vehicle wires the acquisition loops, the outbound channels, the command
// receiver and the dispatcher around one State and one bus lock.
type Vehicle struct {
	config  *Config
	hw      Hardware
	metrics *Metrics

	state      *State
	bus        *buslock.Lock
	dispatcher *Dispatcher
	peer       *forwarder.Peer
	acquirers  []*Acquirer

	consolidatedCh *forwarder.Channel
	highRateCh     *forwarder.Channel
	consolidated   *forwarder.Consolidated
	highRate       *forwarder.HighRate
	receiver       *forwarder.Receiver

	mu     sync.Mutex
	cancel context.CancelFunc
	loops  []loop
}

// NewVehicle opens the sockets and builds every component. Nothing runs
// until Start. reg may be nil to skip metric registration.
func NewVehicle(config *Config, hw Hardware, reg prometheus.Registerer) (*Vehicle, error) {
	if config == nil {
		config = DefaultConfig()
	}
	v := &Vehicle{
		config:  config,
		hw:      hw,
		metrics: NewMetrics(reg),
		state:   NewState(),
		bus:     buslock.New(),
	}
	v.dispatcher = NewDispatcher(config.limits(), v.bus, hw, v.metrics)
	v.dispatcher.errLog = newRateLimited(config.ErrorLogInterval)
	v.peer = forwarder.NewPeer(config.Peer.Name, config.Peer.DataPort, nil)

	var err error
	chConfig := forwarder.ChannelConfig{
		SendTimeout: config.Peer.SendTimeout,
		SlowSend:    config.Peer.SlowSend,
		WriteBuffer: config.Peer.WriteBuffer,
	}
	if v.consolidatedCh, err = forwarder.NewChannel("consolidated", v.peer, chConfig, v.metrics); err != nil {
		return nil, err
	}
	chConfig.Port = config.Peer.HighRatePort
	if v.highRateCh, err = forwarder.NewChannel("highrate", v.peer, chConfig, v.metrics); err != nil {
		v.closeSockets()
		return nil, err
	}
	if v.receiver, err = forwarder.ListenCommands(config.Peer.CommandPort, v.peer, v.dispatcher, v.metrics); err != nil {
		v.closeSockets()
		return nil, err
	}
	v.consolidated = forwarder.NewConsolidated(v.consolidatedCh,
		&telemetryCollector{state: v.state, dispatcher: v.dispatcher}, config.Peer.MaxFrameRate)
	v.highRate = forwarder.NewHighRate(v.highRateCh)

	v.addAcquirer(Image, hw.Camera, false, config.Rates.Camera)
	inertial := v.addAcquirer(Inertial, hw.IMU, hw.IMUOnBus, config.Rates.IMU)
	if inertial != nil {
		inertial.OnPublish = func(s *Snapshot) {
			v.highRate.SendFields(s.Fields())
		}
	}
	v.addAcquirer(Power, hw.Power, hw.PowerOnBus, config.Rates.Power)
	v.addAcquirer(Thermal, hw.Thermal, hw.ThermalOnBus, config.Rates.Thermal)
	return v, nil
}

func (v *Vehicle) addAcquirer(kind SourceKind, src Source, onBus bool, rate float64) *Acquirer {
	if src == nil {
		return nil
	}
	a := NewAcquirer(kind, src, v.state, v.bus, v.metrics)
	a.OnBus = onBus
	if rate > 0 {
		a.Rate = rate
	}
	a.errLog = newRateLimited(v.config.ErrorLogInterval)
	v.acquirers = append(v.acquirers, a)
	return a
}

func (v *Vehicle) State() *State {
	return v.state
}

func (v *Vehicle) Dispatcher() *Dispatcher {
	return v.dispatcher
}

func (v *Vehicle) Peer() *forwarder.Peer {
	return v.peer
}

func (v *Vehicle) Acquirers() []*Acquirer {
	return v.acquirers
}

// CommandAddr is the bound address of the command socket.
func (v *Vehicle) CommandAddr() string {
	return v.receiver.LocalAddr().String()
}

// Start launches every loop in its own goroutine.
func (v *Vehicle) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		return errors.New("vehicle already started")
	}
	ctx, v.cancel = context.WithCancel(ctx)

	for _, a := range v.acquirers {
		a := a
		v.launch(ctx, "acquire-"+a.Name(), func(ctx context.Context) error {
			return a.Run(ctx)
		})
	}
	v.launch(ctx, "consolidated", func(ctx context.Context) error {
		v.consolidated.Run(ctx)
		return nil
	})
	v.launch(ctx, "receiver", v.receiver.Run)
	v.launch(ctx, "peer", func(ctx context.Context) error {
		v.peer.Run(ctx, v.config.Peer.ResolveInterval)
		return nil
	})
	for _, r := range v.hw.Links {
		r := r
		v.launch(ctx, r.Name(), func(ctx context.Context) error {
			return retry(ctx, r)
		})
	}
	log.WithField("loops", len(v.loops)).WithField("command", v.CommandAddr()).Info("vehicle started")
	return nil
}

// must hold mu
func (v *Vehicle) launch(ctx context.Context, name string, fn func(context.Context) error) {
	l := loop{name: name, done: make(chan struct{})}
	v.loops = append(v.loops, l)
	go func() {
		defer close(l.done)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithField("loop", name).WithField("err", err).Error("loop exited")
		}
	}()
}

// Shutdown stops every loop, waiting at most grace overall, then puts the
// actuators in neutral and closes sockets and devices. Loops still running
// after grace, and a neutral step that cannot finish, are reported in a
// *ShutdownError.
func (v *Vehicle) Shutdown(grace time.Duration) error {
	v.mu.Lock()
	cancel, loops := v.cancel, v.loops
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	var stuck []string
	expired := false
	for _, l := range loops {
		if !expired {
			select {
			case <-l.done:
				continue
			case <-timer.C:
				expired = true
			}
		}
		select {
		case <-l.done:
		default:
			stuck = append(stuck, l.name)
		}
	}

	if !v.neutral() {
		stuck = append(stuck, "neutral")
	}

	v.closeSockets()
	for _, r := range v.hw.Links {
		if err := r.Close(); err != nil {
			log.WithField("err", err).Warnf("%s: unable to close", r.Name())
		}
	}
	for _, c := range v.hw.Closers {
		if err := c.Close(); err != nil {
			log.WithField("err", err).Warn("unable to close device")
		}
	}

	if len(stuck) > 0 {
		sort.Strings(stuck)
		return &ShutdownError{Stuck: stuck}
	}
	log.Info("vehicle stopped")
	return nil
}

// neutral applies the neutral actuator state and reports false if it did
// not finish in time. Neutral keeps running in the background in that case.
func (v *Vehicle) neutral() bool {
	ctx, cancel := context.WithTimeout(context.Background(), neutralTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- v.dispatcher.Neutral(ctx)
	}()

	timer := time.NewTimer(neutralTimeout + neutralSlack)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			log.WithField("err", err).Error("unable to leave actuators in neutral")
		}
		return true
	case <-timer.C:
		log.Error("actuators still busy, neutral not applied")
		return false
	}
}

func (v *Vehicle) closeSockets() {
	if v.receiver != nil {
		_ = v.receiver.Close()
	}
	if v.consolidatedCh != nil {
		_ = v.consolidatedCh.Close()
	}
	if v.highRateCh != nil {
		_ = v.highRateCh.Close()
	}
}

// telemetryCollector merges the latest snapshots with the commanded
// actuator state for the consolidated channel.
type telemetryCollector struct {
	state      *State
	dispatcher *Dispatcher
}

func (c *telemetryCollector) Collect(now time.Time) ([]byte, map[string]float64) {
	snaps := c.state.Consolidated()
	fields := snaps.Fields(now)
	for k, val := range c.dispatcher.State().Fields() {
		fields[k] = val
	}
	return snaps.Image.Image(), fields
}
