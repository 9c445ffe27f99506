package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/packet"
	"github.com/meshtree/beacon/internal/transport"
)

// Broadcaster is the transport capability the producer needs: deliver a
// frame to every currently-connected downlink except an excluded set.
type Broadcaster interface {
	Broadcast(data []byte, exclude map[transport.PortID]bool) error
}

// PortLookup resolves a downlink peer's NID to its current port, used to
// translate the debug block set (keyed by NID) into the excluded-port set
// Broadcast expects (spec §4.6). Callers wire this to the link manager's
// downlink table; an unknown NID (no current downlink) yields ok=false and
// is simply ignored.
type PortLookup func(nid meshid.NID) (transport.PortID, bool)

// Producer is the Sink's periodic signed-heartbeat broadcaster (spec §4.6,
// a timer-thread execution domain per spec §5). Grounded on the teacher's
// circuit build scheduler: a ticker loop that performs one bounded unit of
// work per tick and never blocks the caller that started it.
type Producer struct {
	self     *identity.Identity
	link     Broadcaster
	lookup   PortLookup
	macKey   []byte
	ttl      uint8
	interval time.Duration
	logger   *slog.Logger

	seq uint32

	mu      sync.Mutex
	blocked map[meshid.NID]bool
}

// NewProducer constructs a Producer. self must be the Sink's identity;
// macKey is the well-known BROADCAST_MAC_KEY (spec §6); ttl is
// TTL_DEFAULT; interval is HEARTBEAT_INTERVAL.
func NewProducer(self *identity.Identity, link Broadcaster, lookup PortLookup, macKey []byte, ttl uint8, interval time.Duration, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		self:     self,
		link:     link,
		lookup:   lookup,
		macKey:   macKey,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		blocked:  make(map[meshid.NID]bool),
	}
}

// Run broadcasts a heartbeat every interval until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				p.logger.Error("heartbeat: broadcast failed", "err", err)
			}
		}
	}
}

// Tick builds, signs, and broadcasts one heartbeat. Exported so tests can
// trigger a heartbeat deterministically instead of waiting on the ticker.
func (p *Producer) Tick() error {
	seq := atomic.AddUint32(&p.seq, 1)
	ts := uint64(time.Now().Unix())

	sig, err := p.self.Sign(SignedMessage(p.self.NID, ts, seq))
	if err != nil {
		return err
	}
	var sigArr [sigLen]byte
	copy(sigArr[:], sig)
	payload := Encode(Payload{SinkNID: p.self.NID, Timestamp: ts, Signature: sigArr})

	pkt := packet.Packet{
		Source:      p.self.NID,
		Destination: meshid.Broadcast,
		MsgType:     packet.MsgHeartbeat,
		TTL:         p.ttl,
		Sequence:    seq,
		Payload:     payload,
	}
	mac := identity.ComputeMAC(p.macKey, packet.MACInput(pkt))
	pkt = packet.WithMAC(pkt, mac)

	raw, err := packet.Encode(pkt)
	if err != nil {
		return err
	}
	return p.link.Broadcast(raw, p.excludedPorts())
}

func (p *Producer) excludedPorts() map[transport.PortID]bool {
	p.mu.Lock()
	blocked := make([]meshid.NID, 0, len(p.blocked))
	for nid := range p.blocked {
		blocked = append(blocked, nid)
	}
	p.mu.Unlock()

	exclude := make(map[transport.PortID]bool, len(blocked))
	for _, nid := range blocked {
		if port, ok := p.lookup(nid); ok {
			exclude[port] = true
		}
	}
	return exclude
}

// BlockHeartbeat adds nid to the debug block set, excluding its current
// downlink port from every subsequent broadcast until unblocked (spec
// §4.6, §4.10, §6 — the network-controls "stop heartbeat" debug feature).
func (p *Producer) BlockHeartbeat(nid meshid.NID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[nid] = true
}

// UnblockHeartbeat removes nid from the debug block set.
func (p *Producer) UnblockHeartbeat(nid meshid.NID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, nid)
}

// BlockedHeartbeats returns the current debug block set.
func (p *Producer) BlockedHeartbeats() []meshid.NID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]meshid.NID, 0, len(p.blocked))
	for nid := range p.blocked {
		out = append(out, nid)
	}
	return out
}
