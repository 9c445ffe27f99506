package device

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshtree/beacon/internal/config"
	"github.com/meshtree/beacon/internal/control"
	"github.com/meshtree/beacon/internal/heartbeat"
	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/linkmanager"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/packet"
	"github.com/meshtree/beacon/internal/router"
	"github.com/meshtree/beacon/internal/transport"
)

// Sink is the gateway composition root (spec §3, component 9): hop
// count -1, no uplink slot ever, the one device that decrypts inbound
// DATA and exposes the operator inbox and heartbeat-block debug hooks.
type Sink struct {
	id       *identity.Identity
	link     transport.Link
	router   *router.Router
	links    *linkmanager.Manager
	producer *heartbeat.Producer
	logger   *slog.Logger

	seq atomic.Uint32

	inboxMu sync.Mutex
	inbox   []control.InboxEntry
}

// NewSink constructs a Sink. id must have IsSink true (spec §6 OU=Sink).
func NewSink(id *identity.Identity, link transport.Link, cfg config.Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{id: id, link: link, logger: logger}

	rtr := router.New(id.NID, true, link, nil, cfg.BroadcastMACKey, cfg.TTLDefault, cfg.ReplayWindowSize, nil, logger)
	s.router = rtr

	lm := linkmanager.New(id.NID, true, link, id, rtr, cfg.AuthTimeout, cfg.ScanTimeout, cfg.DisconnectCooldown, logger)
	s.links = lm

	lookup := func(nid meshid.NID) (transport.PortID, bool) {
		for _, d := range lm.Downlinks() {
			if d.PeerNID == nid {
				return d.Port, true
			}
		}
		return "", false
	}
	s.producer = heartbeat.NewProducer(id, link, lookup, cfg.BroadcastMACKey, cfg.TTLDefault, cfg.HeartbeatInterval, logger)

	rtr.RegisterLocalHandler(packet.MsgData, s.handleData)

	return s
}

// Run drives the Sink's background heartbeat producer loop until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.producer.Run(ctx)
}

// handleData is the router's local handler for MsgData (spec §4.8): it
// opens the self-describing envelope (SPEC_FULL.md §4), recovers the
// originating Node's public key from the carried certificate, derives
// the matching static end-to-end key, and appends the plaintext to the
// inbox.
func (s *Sink) handleData(_ transport.PortID, pkt packet.Packet) error {
	certDER, ciphertext, err := openEnvelope(pkt.Payload)
	if err != nil {
		return fmt.Errorf("device: open envelope: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("device: parse originator cert: %w", err)
	}
	if err := s.id.VerifyPeerCert(cert); err != nil {
		return fmt.Errorf("device: originator cert invalid: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("device: originator cert public key is not ECDSA")
	}
	if pkt.Source.String() != cert.Subject.CommonName {
		return fmt.Errorf("device: packet source does not match envelope certificate")
	}

	key, err := identity.StaticE2EKey(s.id.PrivateKey, pub, pkt.Source)
	if err != nil {
		return fmt.Errorf("device: derive e2e key: %w", err)
	}
	plaintext, err := identity.Open(key, ciphertext)
	if err != nil {
		return fmt.Errorf("device: open sealed payload: %w", err)
	}

	s.inboxMu.Lock()
	s.inbox = append(s.inbox, control.InboxEntry{Timestamp: time.Now(), SourceNID: pkt.Source, Plaintext: plaintext})
	s.inboxMu.Unlock()
	return nil
}

// Inbox implements control.Inboxer.
func (s *Sink) Inbox() []control.InboxEntry {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return append([]control.InboxEntry(nil), s.inbox...)
}

// BlockHeartbeat implements control.HeartbeatBlocker by delegating to the producer.
func (s *Sink) BlockHeartbeat(nid meshid.NID) { s.producer.BlockHeartbeat(nid) }

// UnblockHeartbeat implements control.HeartbeatBlocker.
func (s *Sink) UnblockHeartbeat(nid meshid.NID) { s.producer.UnblockHeartbeat(nid) }

// BlockedHeartbeats implements control.HeartbeatBlocker.
func (s *Sink) BlockedHeartbeats() []meshid.NID { return s.producer.BlockedHeartbeats() }

// Scan implements control.Device.
func (s *Sink) Scan(timeoutSeconds float64) ([]transport.Neighbour, error) {
	return s.link.Scan(timeoutSeconds)
}

// Connect implements control.Device: the Sink never selects an uplink
// (hop_count is always -1), so a manual connect attempt is rejected.
func (s *Sink) Connect(address string) error {
	return s.links.ManualConnect(address)
}

// Disconnect implements control.Device.
func (s *Sink) Disconnect(address string) error {
	return s.links.Disconnect(transport.PortID(address))
}

// Send implements control.Device: an operator-issued DATA message.
func (s *Sink) Send(destination meshid.NID, payload []byte) error {
	seq := s.seq.Add(1)
	return s.router.Send(destination, packet.MsgData, payload, seq)
}

// Links implements control.Device.
func (s *Sink) Links() []control.LinkInfo {
	var out []control.LinkInfo
	for _, d := range s.links.Downlinks() {
		out = append(out, control.LinkInfo{Port: d.Port, PeerNID: d.PeerNID, Role: "downlink"})
	}
	return out
}

var (
	_ control.Device           = (*Sink)(nil)
	_ control.Inboxer          = (*Sink)(nil)
	_ control.HeartbeatBlocker = (*Sink)(nil)
)
