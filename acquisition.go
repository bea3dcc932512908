package teleop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jd3nn1s/teleop/buslock"
	log "github.com/sirupsen/logrus"
)

var defaultRates = [numKinds]float64{
	Image:    30,
	Inertial: 100,
	Power:    10,
	Thermal:  1,
}

var defaultTiers = [numKinds]buslock.Tier{
	Image:    buslock.Low,
	Inertial: buslock.High,
	Power:    buslock.Low,
	Thermal:  buslock.Low,
}

// Acquirer polls one source at a fixed rate and publishes what it reads.
type Acquirer struct {
	Kind   SourceKind
	Source Source
	Tier   buslock.Tier
	// Rate is in Hz.
	Rate float64
	// OnBus is set when reads must hold the shared bus lock.
	OnBus bool
	// OnPublish, when set, is called with every new snapshot after it has
	// been published.
	OnPublish func(*Snapshot)

	state    *State
	bus      *buslock.Lock
	metrics  *Metrics
	attempts int
	errLog   *rateLimited

	seq      uint64
	errors   atomic.Uint64
	degraded atomic.Bool
}

func NewAcquirer(kind SourceKind, src Source, state *State, bus *buslock.Lock, metrics *Metrics) *Acquirer {
	if bus == nil {
		bus = buslock.New()
	}
	attempts := defaultWriteAttempts
	if kind == Image {
		// a frame read already waits for the next frame, a miss is not retried
		attempts = 1
	}
	return &Acquirer{
		Kind:     kind,
		Source:   src,
		Tier:     defaultTiers[kind],
		Rate:     defaultRates[kind],
		state:    state,
		bus:      bus,
		metrics:  metrics,
		attempts: attempts,
		errLog:   newRateLimited(5 * time.Second),
	}
}

func (a *Acquirer) Name() string {
	return a.Kind.String()
}

// Errors is the number of reads that failed after retrying.
func (a *Acquirer) Errors() uint64 {
	return a.errors.Load()
}

// Degraded reports whether the source hit a permanent device error. A
// degraded source is no longer read and its last snapshot stays published.
func (a *Acquirer) Degraded() bool {
	return a.degraded.Load()
}

func (a *Acquirer) Run(ctx context.Context) error {
	rate := a.Rate
	if rate <= 0 {
		rate = defaultRates[a.Kind]
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Step(ctx)
		}
	}
}

// Step performs one read and publish. It returns true when a new snapshot
// was published.
func (a *Acquirer) Step(ctx context.Context) bool {
	if a.Degraded() {
		return false
	}

	var r Reading
	read := func() error {
		var err error
		r, err = a.Source.Read(ctx)
		return err
	}
	err := retryTransient(ctx, a.attempts, func() error {
		if !a.OnBus {
			return read()
		}
		wait, err := a.bus.DoContext(ctx, a.Tier, read)
		a.metrics.busWaited(a.Tier, wait)
		return err
	})
	if err != nil {
		a.readFailed(ctx, err)
		return false
	}

	a.seq++
	snap := NewSnapshot(a.Kind, a.seq, time.Now(), r)
	a.state.Publish(snap)
	if a.OnPublish != nil {
		a.OnPublish(snap)
	}
	return true
}

func (a *Acquirer) readFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if IsPermanent(err) {
		if a.degraded.CompareAndSwap(false, true) {
			a.metrics.markDegraded(a.Name())
			log.WithField("source", a.Name()).WithField("err", err).
				Error("permanent device error, source degraded")
		}
		return
	}
	a.errors.Add(1)
	a.metrics.busError(a.Name())
	a.errLog.Do(func() {
		log.WithField("source", a.Name()).WithField("err", err).
			WithField("errors", a.Errors()).Warn("read failed, keeping last snapshot")
	})
}
