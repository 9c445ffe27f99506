// Package router implements the learning-switch forwarding daemon at
// the center of every device (spec §4.8, component 7 of §2). It is
// grounded on the teacher's circuit package: a synchronous per-frame
// pipeline (parse, verify, look up state, mutate, re-emit) with
// fine-grained locks around the pieces of mutable state it owns,
// generalized from Tor's per-circuit relay-cell loop to the spec's
// per-port, per-source learning table.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/packet"
	"github.com/meshtree/beacon/internal/replay"
	"github.com/meshtree/beacon/internal/transport"
)

// Sender is the transport capability the router needs to emit frames:
// unicast on a specific port, or broadcast excluding a set of ports
// (used only for HEARTBEAT re-flooding, spec §4.8 step 6).
type Sender interface {
	Send(port transport.PortID, data []byte) error
	Broadcast(data []byte, exclude map[transport.PortID]bool) error
}

// UplinkResolver supplies the default route a Node uses when the
// forwarding table has no entry for a destination (spec §4.8 step 6,
// "Otherwise ... if this is a Node, use the uplink as default"). The
// Sink has no default route and never calls this.
type UplinkResolver interface {
	UplinkPort() (transport.PortID, bool)
}

// Handler is a message-type-specific local-delivery callback, installed
// with RegisterLocalHandler (spec §4.8). Handler errors are logged, not
// propagated — the receive pipeline never unwinds (spec §7).
type Handler func(port transport.PortID, pkt packet.Packet) error

// replayKey identifies one replay window: per (source, msg_type) as
// spec §3 requires ("sequence ... monotonically increasing per (source,
// msg_type)"). Both fields are comparable, so this is a valid generic
// map key for replay.Peers.
type replayKey struct {
	source  meshid.NID
	msgType packet.MsgType
}

// Router is one device's learning-switch forwarding core. It is
// transport-agnostic: everything it needs from the BLE collaborator
// arrives through the Sender and UplinkResolver interfaces (spec §9).
type Router struct {
	self            meshid.NID
	isSink          bool
	link            Sender
	uplink          UplinkResolver
	broadcastMACKey []byte
	ttlDefault      uint8
	logger          *slog.Logger
	stats           *Stats

	tableMu sync.Mutex
	table   map[meshid.NID]transport.PortID

	keysMu sync.Mutex
	keys   map[transport.PortID][32]byte

	replayWindows *replay.Peers[replayKey]

	handlersMu sync.Mutex
	handlers   map[packet.MsgType]Handler
}

// New constructs a Router. self is this device's NID; isSink fixes
// whether an unresolved destination is dropped (Sink) or defaulted to
// the uplink (Node); uplink may be nil for a Sink, which never
// dereferences it. replayWindowSize is REPLAY_WINDOW_SIZE (spec §6).
func New(self meshid.NID, isSink bool, link Sender, uplink UplinkResolver, broadcastMACKey []byte, ttlDefault uint8, replayWindowSize uint32, stats *Stats, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Router{
		self:            self,
		isSink:          isSink,
		link:            link,
		uplink:          uplink,
		broadcastMACKey: broadcastMACKey,
		ttlDefault:      ttlDefault,
		logger:          logger,
		stats:           stats,
		table:           make(map[meshid.NID]transport.PortID),
		keys:            make(map[transport.PortID][32]byte),
		replayWindows:   replay.NewPeers[replayKey](replayWindowSize),
		handlers:        make(map[packet.MsgType]Handler),
	}
}

// Stats returns the receive-pipeline counters (spec §4.8).
func (r *Router) Stats() *Stats { return r.stats }

// RegisterLocalHandler installs handler as the local-delivery callback
// for msgType (spec §4.8 register_local_handler).
func (r *Router) RegisterLocalHandler(msgType packet.MsgType, handler Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[msgType] = handler
}

// SetSessionKey installs the per-link MAC key for port, called by the
// link manager on successful authentication (spec §4.8
// set_session_key). Replay windows are keyed by peer NID, not port, so
// callers that know the peer's NID should also call ClearReplayForPeer.
func (r *Router) SetSessionKey(port transport.PortID, key [32]byte) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	r.keys[port] = key
}

// ClearSessionKey removes the session key for port, called on
// disconnect (spec §4.8 clear_session_key). It also evicts any
// forwarding-table entries that pointed at this port, since they are
// now stale (spec §4.7 step 2, §3 "forwarding entries are ... evicted
// on link loss of the mapped port").
func (r *Router) ClearSessionKey(port transport.PortID) {
	r.keysMu.Lock()
	delete(r.keys, port)
	r.keysMu.Unlock()

	r.tableMu.Lock()
	for dest, p := range r.table {
		if p == port {
			delete(r.table, dest)
		}
	}
	r.tableMu.Unlock()
}

// ClearReplayForPeer discards the replay windows for every msg_type
// tracked under peer's NID, used when a session key is (re)installed
// for that peer (spec §4.3, §4.5: "On AUTHENTICATED both sides ...
// clear the replay window for that port").
func (r *Router) ClearReplayForPeer(peer meshid.NID) {
	for _, mt := range []packet.MsgType{packet.MsgData, packet.MsgHeartbeat, packet.MsgControl, packet.MsgAuthRequest, packet.MsgAuthResponse} {
		r.replayWindows.Evict(replayKey{source: peer, msgType: mt})
	}
}

// ForwardingEntry returns the learned outbound port for destination, if any.
func (r *Router) ForwardingEntry(destination meshid.NID) (transport.PortID, bool) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	port, ok := r.table[destination]
	return port, ok
}

// Send originates a locally-produced frame with TTL_DEFAULT (spec §4.8
// send). The outbound port is resolved exactly as a forward would be:
// learned route, or this device's uplink if it is a Node and has none.
func (r *Router) Send(destination meshid.NID, msgType packet.MsgType, payload []byte, sequence uint32) error {
	port, ok := r.resolveRoute(destination)
	if !ok {
		r.stats.DroppedNoRoute.Inc()
		return fmt.Errorf("router: no route to %s", destination)
	}

	pkt := packet.Packet{
		Source:      r.self,
		Destination: destination,
		MsgType:     msgType,
		TTL:         r.ttlDefault,
		Sequence:    sequence,
		Payload:     payload,
	}
	key, ok := r.sessionKey(port)
	if !ok {
		return fmt.Errorf("router: no session key for outbound port %s", port)
	}
	pkt = packet.WithMAC(pkt, identity.ComputeMAC(key[:], packet.MACInput(pkt)))

	raw, err := packet.Encode(pkt)
	if err != nil {
		return fmt.Errorf("router: encode: %w", err)
	}
	return r.link.Send(port, raw)
}

func (r *Router) resolveRoute(destination meshid.NID) (transport.PortID, bool) {
	if port, ok := r.ForwardingEntry(destination); ok {
		return port, true
	}
	if !r.isSink && r.uplink != nil {
		return r.uplink.UplinkPort()
	}
	return "", false
}

func (r *Router) sessionKey(port transport.PortID) ([32]byte, bool) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	key, ok := r.keys[port]
	return key, ok
}

// Receive runs the full receive pipeline on one inbound frame (spec
// §4.8 receive; the ordered steps below are numbered per spec).
func (r *Router) Receive(port transport.PortID, raw []byte) {
	// 1. Parse.
	pkt, err := packet.Decode(raw)
	if err != nil {
		r.stats.DroppedParse.Inc()
		r.logger.Debug("router: parse error", "port", port, "err", err)
		return
	}

	// 2-3. Select MAC key and verify.
	macKey, ok := r.macKeyFor(port, pkt.MsgType)
	if !ok {
		r.stats.DroppedMAC.Inc()
		r.logger.Debug("router: no session key for port", "port", port, "msg_type", pkt.MsgType)
		return
	}
	if !identity.VerifyMAC(macKey, packet.MACInput(pkt), pkt.MAC[:]) {
		r.stats.DroppedMAC.Inc()
		r.logger.Debug("router: mac mismatch", "port", port, "msg_type", pkt.MsgType)
		return
	}

	// 4. Replay check on (source, msg_type).
	verdict := r.replayWindows.For(replayKey{source: pkt.Source, msgType: pkt.MsgType}).CheckAndRecord(pkt.Sequence)
	if verdict != replay.Accepted {
		r.stats.DroppedReplay.Inc()
		r.logger.Debug("router: replay rejected", "port", port, "verdict", verdict.String())
		return
	}

	// 5. Learn.
	if pkt.Source != r.self {
		r.tableMu.Lock()
		r.table[pkt.Source] = port
		r.tableMu.Unlock()
	}

	// 6. Dispatch.
	r.dispatch(port, pkt)
}

func (r *Router) macKeyFor(port transport.PortID, msgType packet.MsgType) ([]byte, bool) {
	if msgType == packet.MsgHeartbeat {
		return r.broadcastMACKey, true
	}
	key, ok := r.sessionKey(port)
	if !ok {
		return nil, false
	}
	return key[:], true
}

func (r *Router) dispatch(port transport.PortID, pkt packet.Packet) {
	if pkt.MsgType == packet.MsgHeartbeat {
		r.deliverLocal(port, pkt)
		if pkt.TTL > 1 {
			r.forwardHeartbeat(port, pkt)
		}
		return
	}

	if pkt.Destination == r.self {
		r.deliverLocal(port, pkt)
		return
	}

	if pkt.Destination.IsBroadcast() {
		// spec §4.8 step 6: "no other broadcast types defined".
		r.stats.DroppedNoRoute.Inc()
		return
	}

	r.forward(port, pkt)
}

func (r *Router) deliverLocal(port transport.PortID, pkt packet.Packet) {
	r.stats.DeliveredLocal.Inc()
	r.handlersMu.Lock()
	handler := r.handlers[pkt.MsgType]
	r.handlersMu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(port, pkt); err != nil {
		r.logger.Debug("router: local handler error", "msg_type", pkt.MsgType, "err", err)
	}
}

// forwardHeartbeat re-broadcasts a HEARTBEAT with TTL-1 to every
// downlink except the one it arrived on, MAC recomputed under the
// (unchanged) broadcast MAC key (spec §4.6 step 5, §4.8 step 6).
func (r *Router) forwardHeartbeat(incoming transport.PortID, pkt packet.Packet) {
	out := pkt
	out.TTL--
	out = packet.WithMAC(out, identity.ComputeMAC(r.broadcastMACKey, packet.MACInput(out)))
	raw, err := packet.Encode(out)
	if err != nil {
		r.logger.Error("router: encode forwarded heartbeat", "err", err)
		return
	}
	if err := r.link.Broadcast(raw, map[transport.PortID]bool{incoming: true}); err != nil {
		r.logger.Debug("router: heartbeat broadcast failed", "err", err)
		return
	}
	r.stats.Routed.Inc()
}

// forward implements spec §4.8 step 6's "Otherwise: forward" branch.
func (r *Router) forward(incoming transport.PortID, pkt packet.Packet) {
	if pkt.TTL == 0 {
		r.stats.DroppedTTL.Inc()
		return
	}
	ttlOut := pkt.TTL - 1
	if ttlOut == 0 {
		r.stats.DroppedTTL.Inc()
		return
	}

	outPort, ok := r.resolveRoute(pkt.Destination)
	if !ok {
		r.stats.DroppedNoRoute.Inc()
		return
	}
	if outPort == incoming {
		// A learned route should never point back the way the frame
		// arrived; treat it defensively as no-route rather than loop.
		r.stats.DroppedNoRoute.Inc()
		return
	}
	outKey, ok := r.sessionKey(outPort)
	if !ok {
		r.stats.DroppedNoRoute.Inc()
		return
	}

	out := pkt
	out.TTL = ttlOut
	out = packet.WithMAC(out, identity.ComputeMAC(outKey[:], packet.MACInput(out)))

	raw, err := packet.Encode(out)
	if err != nil {
		r.logger.Error("router: encode forwarded packet", "err", err)
		return
	}
	if err := r.link.Send(outPort, raw); err != nil {
		r.logger.Debug("router: forward send failed", "port", outPort, "err", err)
		return
	}
	r.stats.Routed.Inc()
}
