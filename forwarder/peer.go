package forwarder

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// to allow testing
var defaultResolver Resolver = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

const resolveTimeout = 2 * time.Second

// Record is a copy of the peer state.
type Record struct {
	Addr        netip.Addr
	DataPort    int
	LastContact time.Time
	Confirmed   bool
	Session     uuid.UUID
}

// Peer is the remote operator endpoint. Name resolution only happens in
// Refresh, never on the send path.
type Peer struct {
	name    string
	resolve Resolver

	mu          sync.RWMutex
	resolved    netip.Addr
	source      netip.Addr
	dataPort    int
	confirmed   bool
	lastContact time.Time
	session     uuid.UUID
}

// NewPeer creates a peer for the configured name, which may be empty when
// the operator address is learned from inbound packets only.
func NewPeer(name string, dataPort int, resolve Resolver) *Peer {
	if resolve == nil {
		resolve = defaultResolver
	}
	return &Peer{
		name:     name,
		resolve:  resolve,
		dataPort: dataPort,
	}
}

// Refresh re-resolves the configured name and caches the numeric address.
func (p *Peer) Refresh(ctx context.Context) error {
	if p.name == "" {
		return nil
	}
	if addr, err := netip.ParseAddr(p.name); err == nil {
		p.setResolved(addr.Unmap())
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	start := time.Now()
	addrs, err := p.resolve(ctx, p.name)
	if err != nil {
		return errors.Wrapf(err, "unable to resolve peer %s", p.name)
	}
	addr, ok := pickAddr(addrs)
	if !ok {
		return errors.Errorf("no usable address for peer %s", p.name)
	}
	if took := time.Since(start); took > time.Second {
		log.WithField("peer", p.name).WithField("took", took).Warn("slow peer name resolution")
	}
	p.setResolved(addr)
	return nil
}

func pickAddr(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			return a, true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}

func (p *Peer) setResolved(addr netip.Addr) {
	p.mu.Lock()
	changed := p.resolved != addr
	p.resolved = addr
	p.mu.Unlock()
	if changed {
		log.WithField("peer", p.name).WithField("addr", addr).Info("peer address resolved")
	}
}

// Run refreshes the name every interval until ctx is done. The first
// resolution happens immediately.
func (p *Peer) Run(ctx context.Context, interval time.Duration) {
	if p.name == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("peer refresh failed, keeping cached address")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Confirm records an inbound packet from addr at the given time. It returns
// true on the transition to confirmed.
func (p *Peer) Confirm(from netip.AddrPort, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = from.Addr().Unmap()
	p.lastContact = at
	if p.confirmed {
		return false
	}
	p.confirmed = true
	p.session = uuid.New()
	log.WithField("from", from).WithField("session", p.session).Info("operator confirmed")
	return true
}

func (p *Peer) Unconfirm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmed {
		log.WithField("session", p.session).Info("operator disconnected")
	}
	p.confirmed = false
}

func (p *Peer) SetDataPort(port int) {
	if port <= 0 {
		return
	}
	p.mu.Lock()
	p.dataPort = port
	p.mu.Unlock()
}

// Target returns where to send on the given port, the data port when port
// is 0. ok is false until the peer has been confirmed.
func (p *Peer) Target(port int) (dst netip.AddrPort, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.confirmed {
		return netip.AddrPort{}, false
	}
	addr := p.resolved
	if !addr.IsValid() {
		addr = p.source
	}
	if !addr.IsValid() {
		return netip.AddrPort{}, false
	}
	if port == 0 {
		port = p.dataPort
	}
	return netip.AddrPortFrom(addr, uint16(port)), true
}

func (p *Peer) Confirmed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.confirmed
}

func (p *Peer) Record() Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr := p.resolved
	if !addr.IsValid() {
		addr = p.source
	}
	return Record{
		Addr:        addr,
		DataPort:    p.dataPort,
		LastContact: p.lastContact,
		Confirmed:   p.confirmed,
		Session:     p.session,
	}
}
