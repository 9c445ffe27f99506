// Package linkmanager owns the per-device link bookkeeping described in
// spec §3 ("Link-Manager state") and §4.9: exactly one uplink, a set of
// downlinks, lazy reselection on uplink loss, and full mutual
// authentication on every link regardless of role. It is grounded on the
// teacher's link.Handshake/circuit.Create pairing — connect, then run a
// bounded handshake, then install the resulting state — generalized from
// Tor's one-directional guard connection to the spec's symmetric
// uplink/downlink model.
package linkmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshtree/beacon/internal/auth"
	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/transport"
)

// Record is one established link's bookkeeping (spec §3).
type Record struct {
	PeerNID         meshid.NID
	Port            transport.PortID
	SessionKey      [32]byte
	LastHeartbeatAt time.Time
	Authenticated   bool
}

// Router is the subset of the router daemon the link manager drives
// (spec §4.9: "on success, insert into downlinks; call set_session_key").
type Router interface {
	SetSessionKey(port transport.PortID, key [32]byte)
	ClearSessionKey(port transport.PortID)
	ClearReplayForPeer(peer meshid.NID)
	Receive(port transport.PortID, raw []byte)
}

// FailCooldown is the duration a candidate address is excluded from
// reselection after a failed connect/auth attempt (spec §4.9 step 5).
const FailCooldown = 30 * time.Second

// Manager is one device's link manager. The Sink constructs one with
// isSink=true and never runs uplink selection; a Node runs both roles.
type Manager struct {
	self        meshid.NID
	isSink      bool
	link        transport.Link
	id          *identity.Identity
	router      Router
	authTimeout time.Duration
	scanTimeout time.Duration
	cooldown    time.Duration
	logger      *slog.Logger

	uplinkMu  sync.Mutex
	uplink    *Record
	uplinkHop int // advertised hop of the neighbour we connected to

	downlinksMu sync.Mutex
	downlinks   map[transport.PortID]*Record

	failedMu sync.Mutex
	failed   map[string]time.Time // address -> cooldown-until
}

// New constructs a Manager and wires it to accept inbound connections in
// the responder role (spec §4.9 "Downlink acceptance"). self/isSink fix
// this device's identity and role; authTimeout/scanTimeout/cooldown
// default to spec §6 values when zero.
func New(self meshid.NID, isSink bool, link transport.Link, id *identity.Identity, rtr Router, authTimeout, scanTimeout, cooldown time.Duration, logger *slog.Logger) *Manager {
	if authTimeout <= 0 {
		authTimeout = auth.DefaultTimeout
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	if cooldown <= 0 {
		cooldown = FailCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		self:        self,
		isSink:      isSink,
		link:        link,
		id:          id,
		router:      rtr,
		authTimeout: authTimeout,
		scanTimeout: scanTimeout,
		cooldown:    cooldown,
		logger:      logger,
		downlinks:   make(map[transport.PortID]*Record),
		failed:      make(map[string]time.Time),
	}
	link.OnAccept(m.handleAccept)
	m.updateAdvertisement()
	return m
}

// HopCount reports this device's advertised hop count (spec §3, §6
// glossary): -1 for the Sink, uplink.hop+1 for a connected Node,
// transport.NoUplinkHop while disconnected.
func (m *Manager) HopCount() int {
	if m.isSink {
		return -1
	}
	m.uplinkMu.Lock()
	defer m.uplinkMu.Unlock()
	if m.uplink == nil {
		return int(transport.NoUplinkHop)
	}
	return m.uplinkHop + 1
}

func (m *Manager) updateAdvertisement() {
	m.link.UpdateAdvertisement(m.HopCount())
}

// UplinkPort implements router.UplinkResolver: the default forwarding
// route for a Node with no learned entry (spec §4.8 step 6).
func (m *Manager) UplinkPort() (transport.PortID, bool) {
	m.uplinkMu.Lock()
	defer m.uplinkMu.Unlock()
	if m.uplink == nil {
		return "", false
	}
	return m.uplink.Port, true
}

// TouchUplink implements heartbeat.UplinkTracker: record that a
// heartbeat arrived on port, if it is still the current uplink.
func (m *Manager) TouchUplink(port transport.PortID, at time.Time) {
	m.uplinkMu.Lock()
	defer m.uplinkMu.Unlock()
	if m.uplink != nil && m.uplink.Port == port {
		m.uplink.LastHeartbeatAt = at
	}
}

// LastHeartbeatAt implements heartbeat.UplinkHeartbeatState.
func (m *Manager) LastHeartbeatAt() (time.Time, bool) {
	m.uplinkMu.Lock()
	defer m.uplinkMu.Unlock()
	if m.uplink == nil {
		return time.Time{}, false
	}
	return m.uplink.LastHeartbeatAt, true
}

// Uplink returns a copy of the current uplink record, if any.
func (m *Manager) Uplink() (Record, bool) {
	m.uplinkMu.Lock()
	defer m.uplinkMu.Unlock()
	if m.uplink == nil {
		return Record{}, false
	}
	return *m.uplink, true
}

// Downlinks returns a snapshot of the current downlink records.
func (m *Manager) Downlinks() []Record {
	m.downlinksMu.Lock()
	defer m.downlinksMu.Unlock()
	out := make([]Record, 0, len(m.downlinks))
	for _, r := range m.downlinks {
		out = append(out, *r)
	}
	return out
}

// OnUplinkDead implements heartbeat.DeadUplinkHandler (spec §4.7):
// tears down the uplink, cascades disconnect to every downlink, and
// lets Run's reselection loop notice the vacancy and re-enter scan.
func (m *Manager) OnUplinkDead() {
	m.uplinkMu.Lock()
	dead := m.uplink
	m.uplink = nil
	m.uplinkHop = 0
	m.uplinkMu.Unlock()

	if dead == nil {
		return
	}
	m.logger.Warn("linkmanager: uplink declared dead", "peer", dead.PeerNID.String(), "port", dead.Port)
	m.teardownPort(dead.Port, dead.PeerNID)
	m.updateAdvertisement()

	// Cascade: our own downlinks will independently detect loss of
	// *their* uplink (us) once we stop forwarding/heartbeating, but spec
	// §4.7 step 3 requires us to disconnect them eagerly rather than wait.
	for _, d := range m.Downlinks() {
		m.DisconnectDownlink(d.Port)
	}
}

// DisconnectDownlink tears down one downlink, e.g. via the debug/control
// surface's manual override (spec §6).
func (m *Manager) DisconnectDownlink(port transport.PortID) {
	m.downlinksMu.Lock()
	rec, ok := m.downlinks[port]
	delete(m.downlinks, port)
	m.downlinksMu.Unlock()
	if !ok {
		return
	}
	m.teardownPort(port, rec.PeerNID)
}

// Disconnect tears down whichever link — uplink or downlink — currently
// occupies port (spec §6 debug/control "disconnect"). Returns an error
// if no link currently uses that port.
func (m *Manager) Disconnect(port transport.PortID) error {
	m.uplinkMu.Lock()
	if m.uplink != nil && m.uplink.Port == port {
		m.uplinkMu.Unlock()
		m.OnUplinkDead()
		return nil
	}
	m.uplinkMu.Unlock()

	m.downlinksMu.Lock()
	_, ok := m.downlinks[port]
	m.downlinksMu.Unlock()
	if !ok {
		return fmt.Errorf("linkmanager: no link on port %s", port)
	}
	m.DisconnectDownlink(port)
	return nil
}

// ManualConnect drives a one-shot connect+authenticate against address,
// bypassing scan/ranking (spec §6 debug/control "connect"). Only a Node
// may call this; the Sink has no uplink slot.
func (m *Manager) ManualConnect(address string) error {
	if m.isSink {
		return fmt.Errorf("linkmanager: sink has no uplink to connect")
	}
	return m.tryConnectUplink(transport.Neighbour{Address: address})
}

func (m *Manager) teardownPort(port transport.PortID, peer meshid.NID) {
	m.router.ClearSessionKey(port)
	m.router.ClearReplayForPeer(peer)
	if err := m.link.Disconnect(port); err != nil {
		m.logger.Debug("linkmanager: disconnect error", "port", port, "err", err)
	}
}

// Run drives lazy uplink (re)selection until ctx is cancelled (spec
// §4.9, §5 "timer threads"). The Sink has no uplink slot and never
// selects, so Run returns immediately for it.
func (m *Manager) Run(ctx context.Context) {
	if m.isSink {
		return
	}
	for {
		if _, ok := m.UplinkPort(); !ok {
			if err := m.selectUplink(ctx); err != nil {
				m.logger.Debug("linkmanager: uplink selection failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.scanTimeout):
		}
	}
}

// selectUplink implements spec §4.9 steps 1-5: scan, filter, rank,
// connect+authenticate the best candidate, falling through to the next
// on failure.
func (m *Manager) selectUplink(ctx context.Context) error {
	neighbours, err := m.link.Scan(m.scanTimeout.Seconds())
	if err != nil {
		return fmt.Errorf("linkmanager: scan: %w", err)
	}
	candidates := m.rankCandidates(neighbours)
	if len(candidates) == 0 {
		return fmt.Errorf("linkmanager: no eligible uplink candidates")
	}

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := m.tryConnectUplink(c); err != nil {
			m.logger.Debug("linkmanager: uplink candidate failed", "address", c.Address, "err", err)
			m.markFailed(c.Address)
			continue
		}
		return nil
	}
	return fmt.Errorf("linkmanager: all %d uplink candidates failed", len(candidates))
}

// rankCandidates excludes peripheral-only neighbours and those still in
// cooldown, then sorts by ascending hop, tie-break descending RSSI (spec
// §4.9 steps 2-3).
func (m *Manager) rankCandidates(neighbours []transport.Neighbour) []transport.Neighbour {
	now := time.Now()
	var out []transport.Neighbour
	for _, n := range neighbours {
		if n.AdvertisedHop == transport.PeripheralOnlyHop {
			continue
		}
		if n.DeviceType == transport.DeviceTypePeripheralOnly {
			continue
		}
		if until, ok := m.failedUntil(n.Address); ok && now.Before(until) {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AdvertisedHop != out[j].AdvertisedHop {
			return out[i].AdvertisedHop < out[j].AdvertisedHop
		}
		return out[i].RSSI > out[j].RSSI
	})
	return out
}

func (m *Manager) failedUntil(address string) (time.Time, bool) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	until, ok := m.failed[address]
	return until, ok
}

func (m *Manager) markFailed(address string) {
	m.failedMu.Lock()
	m.failed[address] = time.Now().Add(m.cooldown)
	m.failedMu.Unlock()
}

func (m *Manager) tryConnectUplink(n transport.Neighbour) error {
	port, err := m.link.Connect(n.Address)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ch := newPortChannel(m.link, port)
	result, err := auth.Run(ch, m.id, true, false, m.authTimeout, m.logger)
	if err != nil {
		_ = m.link.Disconnect(port)
		return fmt.Errorf("authenticate: %w", err)
	}

	m.uplinkMu.Lock()
	m.uplink = &Record{
		PeerNID:         result.PeerNID,
		Port:            port,
		SessionKey:      result.Keys.Link,
		LastHeartbeatAt: time.Now(),
		Authenticated:   true,
	}
	m.uplinkHop = int(n.AdvertisedHop)
	m.uplinkMu.Unlock()

	m.router.ClearReplayForPeer(result.PeerNID)
	m.router.SetSessionKey(port, result.Keys.Link)
	m.link.SubscribeInbound(port, func(p transport.PortID, data []byte) {
		m.router.Receive(p, data)
	})
	m.updateAdvertisement()
	m.logger.Info("linkmanager: uplink established", "peer", result.PeerNID.String(), "hop", m.uplinkHop+1)
	return nil
}

// handleAccept runs the responder side of authentication for an inbound
// connection (spec §4.9 "Downlink acceptance"); the peer becomes a
// downlink on success, otherwise the port is torn down. Runs in its own
// goroutine so a slow or hostile peer cannot stall the transport's
// accept callback.
func (m *Manager) handleAccept(port transport.PortID, remoteAddress string) {
	go func() {
		ch := newPortChannel(m.link, port)
		result, err := auth.Run(ch, m.id, false, false, m.authTimeout, m.logger)
		if err != nil {
			m.logger.Debug("linkmanager: downlink authentication failed", "address", remoteAddress, "err", err)
			_ = m.link.Disconnect(port)
			return
		}

		rec := &Record{
			PeerNID:         result.PeerNID,
			Port:            port,
			SessionKey:      result.Keys.Link,
			LastHeartbeatAt: time.Now(),
			Authenticated:   true,
		}
		m.downlinksMu.Lock()
		m.downlinks[port] = rec
		m.downlinksMu.Unlock()

		m.router.ClearReplayForPeer(result.PeerNID)
		m.router.SetSessionKey(port, result.Keys.Link)
		m.link.SubscribeInbound(port, func(p transport.PortID, data []byte) {
			m.router.Receive(p, data)
		})
		m.logger.Info("linkmanager: downlink established", "peer", result.PeerNID.String(), "port", port)
	}()
}
