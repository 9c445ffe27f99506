package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

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

// Node is a leaf-and-router composition root (spec §3, component 9):
// every Node forwards traffic toward the Sink while also originating
// its own DATA messages.
type Node struct {
	id     *identity.Identity
	sinkID identity.SinkPin
	link   transport.Link
	router *router.Router
	links  *linkmanager.Manager
	watch  *heartbeat.Watchdog
	logger *slog.Logger

	seq atomic.Uint32
}

// NewNode constructs a Node. sinkID pins the Sink's NID and public key
// (SPEC_FULL.md §4 "Sink public key pinning"), provisioned alongside the
// CA and device certificates at boot.
func NewNode(id *identity.Identity, sinkID identity.SinkPin, link transport.Link, cfg config.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{id: id, sinkID: sinkID, link: link, logger: logger}

	rtr := router.New(id.NID, false, link, n, cfg.BroadcastMACKey, cfg.TTLDefault, cfg.ReplayWindowSize, nil, logger)
	n.router = rtr

	lm := linkmanager.New(id.NID, false, link, id, rtr, cfg.AuthTimeout, cfg.ScanTimeout, cfg.DisconnectCooldown, logger)
	n.links = lm

	consumer := heartbeat.NewConsumer(sinkID.NID, sinkID.PublicKey, lm, logger)
	rtr.RegisterLocalHandler(packet.MsgHeartbeat, consumer.Handle)

	n.watch = heartbeat.NewWatchdog(lm, lm, cfg.HeartbeatTimeout(), cfg.WatchdogTick, logger)

	return n
}

// UplinkPort implements router.UplinkResolver by delegating to the link manager.
func (n *Node) UplinkPort() (transport.PortID, bool) { return n.links.UplinkPort() }

// Run drives the Node's background loops (uplink reselection, watchdog)
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	go n.links.Run(ctx)
	go n.watch.Run(ctx)
	<-ctx.Done()
}

// SendMessage originates a DATA message bound for the Sink (spec §4.1,
// §4.8 send). The payload is sealed under the static-static end-to-end
// key shared with the Sink (identity.StaticE2EKey) regardless of how
// many hops separate this Node from it, and wrapped in a self-describing
// envelope carrying this Node's certificate so the Sink — which may
// never have directly authenticated this Node — can recover the
// matching public key (SPEC_FULL.md §4).
func (n *Node) SendMessage(payload []byte) error {
	key, err := identity.StaticE2EKey(n.id.PrivateKey, n.sinkID.PublicKey, n.id.NID)
	if err != nil {
		return fmt.Errorf("device: derive e2e key: %w", err)
	}
	sealed, err := identity.Seal(key, payload)
	if err != nil {
		return fmt.Errorf("device: seal payload: %w", err)
	}
	envelope := sealEnvelope(n.id.Cert.Raw, sealed)

	seq := n.seq.Add(1)
	return n.router.Send(n.sinkID.NID, packet.MsgData, envelope, seq)
}

// Scan implements control.Device.
func (n *Node) Scan(timeoutSeconds float64) ([]transport.Neighbour, error) {
	return n.link.Scan(timeoutSeconds)
}

// Connect implements control.Device: a manual, unranked uplink attempt
// (spec §6 debug "connect").
func (n *Node) Connect(address string) error {
	return n.links.ManualConnect(address)
}

// Disconnect implements control.Device.
func (n *Node) Disconnect(address string) error {
	return n.links.Disconnect(transport.PortID(address))
}

// Send implements control.Device: an operator-issued DATA message,
// addressed arbitrarily rather than hardcoded to the Sink, for
// debug/test use; ordinary application sends use SendMessage.
func (n *Node) Send(destination meshid.NID, payload []byte) error {
	seq := n.seq.Add(1)
	return n.router.Send(destination, packet.MsgData, payload, seq)
}

// Links implements control.Device.
func (n *Node) Links() []control.LinkInfo {
	var out []control.LinkInfo
	if up, ok := n.links.Uplink(); ok {
		out = append(out, control.LinkInfo{Port: up.Port, PeerNID: up.PeerNID, Role: "uplink"})
	}
	for _, d := range n.links.Downlinks() {
		out = append(out, control.LinkInfo{Port: d.Port, PeerNID: d.PeerNID, Role: "downlink"})
	}
	return out
}

// HopCount reports this Node's current advertised hop count.
func (n *Node) HopCount() int { return n.links.HopCount() }

var _ control.Device = (*Node)(nil)
