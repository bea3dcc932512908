package forwarder

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/jd3nn1s/teleop/command"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler applies decoded commands. Connect and Ping are handled by the
// Receiver, everything else is passed on.
type Handler interface {
	Apply(ctx context.Context, c command.Command) error
}

const (
	maxDatagram = 2048
	readPoll    = 100 * time.Millisecond
)

// Receiver owns the inbound command socket.
type Receiver struct {
	conn    *net.UDPConn
	peer    *Peer
	handler Handler
	stats   Stats
}

func ListenCommands(port int, peer *Peer, handler Handler, stats Stats) (*Receiver, error) {
	if stats == nil {
		stats = nopStats{}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen for commands on port %d", port)
	}
	return &Receiver{
		conn:    conn,
		peer:    peer,
		handler: handler,
		stats:   stats,
	}, nil
}

func (r *Receiver) LocalAddr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (r *Receiver) Close() error {
	return r.conn.Close()
}

// Run reads command datagrams until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "command socket read failed")
		}
		r.handleDatagram(ctx, buf[:n], from, time.Now())
	}
}

func (r *Receiver) handleDatagram(ctx context.Context, data []byte, from netip.AddrPort, at time.Time) {
	r.peer.Confirm(from, at)
	for _, line := range command.Lines(data) {
		c, err := command.Parse(line)
		if err != nil {
			r.stats.CommandDropped()
			log.WithField("from", from).WithField("err", err).Warn("dropping command")
			continue
		}
		r.stats.CommandReceived(c.Kind.String())
		r.dispatch(ctx, c, from)
	}
}

func (r *Receiver) dispatch(ctx context.Context, c command.Command, from netip.AddrPort) {
	switch c.Kind {
	case command.Connect:
		r.peer.SetDataPort(c.Port)
		log.WithField("from", from).WithField("port", c.Port).Debug("connect")
		return
	case command.Ping:
		if _, err := r.conn.WriteToUDPAddrPort([]byte("PONG:"+c.Timestamp), from); err != nil {
			log.WithField("err", err).Debug("unable to answer ping")
		}
		return
	case command.Disconnect:
		r.peer.Unconfirm()
	}
	if r.handler == nil {
		return
	}
	if err := r.handler.Apply(ctx, c); err != nil {
		log.WithField("command", c.String()).WithField("err", err).Warn("command not applied")
	}
}
