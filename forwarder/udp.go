package forwarder

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Result int

const (
	Sent Result = iota
	Skipped
	Failed
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Stats receives per-send and per-command accounting.
type Stats interface {
	Sent(channel string, r Result, d time.Duration)
	CommandReceived(kind string)
	CommandDropped()
}

type nopStats struct{}

func (nopStats) Sent(string, Result, time.Duration) {}
func (nopStats) CommandReceived(string)             {}
func (nopStats) CommandDropped()                    {}

type ChannelConfig struct {
	// Port is the destination port, 0 to follow the peer's data port.
	Port int
	// SendTimeout bounds a single socket write.
	SendTimeout time.Duration
	// SlowSend is the total time above which a send is logged with its
	// timing breakdown.
	SlowSend    time.Duration
	WriteBuffer int
}

// Timing is the time spent preparing a payload before Send.
type Timing struct {
	LockWait  time.Duration
	Serialize time.Duration
}

// Channel is one outbound stream. It owns its socket.
type Channel struct {
	name   string
	conn   *net.UDPConn
	peer   *Peer
	config ChannelConfig
	stats  Stats
	errLog rate.Sometimes
}

func NewChannel(name string, peer *Peer, config ChannelConfig, stats Stats) (*Channel, error) {
	if stats == nil {
		stats = nopStats{}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: unable to open socket", name)
	}
	if config.WriteBuffer > 0 {
		if err = conn.SetWriteBuffer(config.WriteBuffer); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "unable to set OS write buffer to %v", config.WriteBuffer)
		}
	}
	return &Channel{
		name:   name,
		conn:   conn,
		peer:   peer,
		config: config,
		stats:  stats,
		errLog: rate.Sometimes{Interval: 5 * time.Second},
	}, nil
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// Ready reports whether a send would go out rather than be skipped.
func (c *Channel) Ready() bool {
	return c.peer.Confirmed()
}

// Send writes payload to the peer. It never resolves names and returns
// Skipped straight away while the peer is unconfirmed.
func (c *Channel) Send(payload []byte, timing Timing) Result {
	dst, ok := c.peer.Target(c.config.Port)
	if !ok {
		return c.skip()
	}

	start := time.Now()
	if c.config.SendTimeout > 0 {
		_ = c.conn.SetWriteDeadline(start.Add(c.config.SendTimeout))
	}
	_, err := c.conn.WriteToUDPAddrPort(payload, dst)
	took := time.Since(start)

	if total := timing.LockWait + timing.Serialize + took; c.config.SlowSend > 0 && total > c.config.SlowSend {
		log.WithFields(log.Fields{
			"channel":   c.name,
			"lock_wait": timing.LockWait,
			"serialize": timing.Serialize,
			"send":      took,
			"bytes":     len(payload),
		}).Warn("slow send")
	}

	if err != nil {
		c.errLog.Do(func() {
			log.WithField("err", err).WithField("dst", dst).Errorf("%s: unable to send", c.name)
		})
		c.stats.Sent(c.name, Failed, took)
		return Failed
	}
	c.stats.Sent(c.name, Sent, took)
	return Sent
}

func (c *Channel) skip() Result {
	c.stats.Sent(c.name, Skipped, 0)
	return Skipped
}

// Collector copies out the latest image and telemetry fields.
type Collector interface {
	Collect(now time.Time) (image []byte, fields map[string]float64)
}

// Consolidated periodically sends the latest image together with the latest
// telemetry. An unchanged image is sent again rather than waited for.
type Consolidated struct {
	ch        *Channel
	collector Collector
	interval  time.Duration
}

func NewConsolidated(ch *Channel, collector Collector, maxRate float64) *Consolidated {
	if maxRate <= 0 {
		maxRate = 120
	}
	return &Consolidated{
		ch:        ch,
		collector: collector,
		interval:  time.Duration(float64(time.Second) / maxRate),
	}
}

func (c *Consolidated) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.terminate()
			return
		case <-ticker.C:
			c.Tick(time.Now())
		}
	}
}

func (c *Consolidated) Tick(now time.Time) Result {
	if !c.ch.Ready() {
		return c.ch.skip()
	}

	start := time.Now()
	image, fields := c.collector.Collect(now)
	collected := time.Now()
	telemetry, err := EncodeFields(fields)
	if err != nil {
		log.WithField("err", err).Error("unable to encode consolidated telemetry")
		return Failed
	}
	packet := EncodeConsolidated(image, telemetry)
	return c.ch.Send(packet, Timing{
		LockWait:  collected.Sub(start),
		Serialize: time.Since(collected),
	})
}

// terminate tells the console the stream has ended with a frame of two zero
// lengths.
func (c *Consolidated) terminate() {
	if c.ch.Ready() {
		c.ch.Send(EncodeConsolidated(nil, nil), Timing{})
	}
}

// HighRate sends inertial records as soon as they are read.
type HighRate struct {
	ch *Channel
}

func NewHighRate(ch *Channel) *HighRate {
	return &HighRate{ch: ch}
}

func (h *HighRate) SendFields(fields map[string]float64) Result {
	if !h.ch.Ready() {
		return h.ch.skip()
	}
	start := time.Now()
	payload, err := EncodeFields(fields)
	if err != nil {
		log.WithField("err", err).Error("unable to encode inertial record")
		return Failed
	}
	return h.ch.Send(EncodeHighRate(payload), Timing{Serialize: time.Since(start)})
}
