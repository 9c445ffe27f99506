// Package transport defines the abstract link-transport contract
// consumed from the BLE collaborator (spec §4.4). The concrete BLE
// adapter (scan/advertise/GATT) is an external collaborator and out of
// scope; this package only defines the interface plus an in-memory mock
// implementation used to exercise the router, link manager, and auth
// state machine in tests.
package transport

import (
	"fmt"
	"sync"
)

// PortID discriminates links: either the well-known uplink port or a
// BLE-address-shaped string identifying a specific downlink peer (spec §3).
type PortID string

// UplinkPort is the well-known port identifier for a device's single uplink.
const UplinkPort PortID = "uplink"

// DeviceType distinguishes full mesh participants from peripheral-only
// leaves that never accept downlinks (spec §4.9 step 2).
type DeviceType int

const (
	DeviceTypeNode DeviceType = iota
	DeviceTypeSink
	DeviceTypePeripheralOnly
)

// PeripheralOnlyHop is the sentinel advertised hop count for
// peripheral-only neighbours, excluded from uplink selection (spec §4.9).
const PeripheralOnlyHop = 254

// NoUplinkHop is the sentinel hop count advertised while disconnected (spec §4.7).
const NoUplinkHop = 255

// Neighbour is one scan result (spec §4.4).
type Neighbour struct {
	Address       string
	AdvertisedHop uint8
	DeviceType    DeviceType
	RSSI          int
}

// InboundFunc receives bytes delivered on a port.
type InboundFunc func(port PortID, data []byte)

// AcceptFunc is notified when a remote peer connects to this device
// (i.e. this device becomes that peer's uplink), mirroring the BLE GATT
// server receiving a new central connection.
type AcceptFunc func(port PortID, remoteAddress string)

// Link is the contract the BLE collaborator implements, injected into
// the router daemon and link manager so the core stays transport-agnostic
// (spec design notes §9).
type Link interface {
	// SubscribeInbound registers callback for bytes arriving on port.
	SubscribeInbound(port PortID, callback InboundFunc)
	// OnAccept registers callback for inbound connections from peers that
	// dial us (we become their uplink).
	OnAccept(callback AcceptFunc)
	// Send unicasts bytes to the peer on port.
	Send(port PortID, data []byte) error
	// Broadcast delivers bytes to every subscribed peer except those in exclude.
	Broadcast(data []byte, exclude map[PortID]bool) error
	// Scan passively discovers neighbours for up to timeoutSeconds.
	Scan(timeoutSeconds float64) ([]Neighbour, error)
	// Connect opens a link to address, returning its local port identifier.
	Connect(address string) (PortID, error)
	// Disconnect tears down the link on port.
	Disconnect(port PortID) error
	// UpdateAdvertisement refreshes this device's advertised hop count.
	UpdateAdvertisement(hopCount int)
}

var _ Link = (*Mock)(nil)

// Mock is an in-memory Link implementation for tests. Each Mock
// represents one device's transport; Connect wires two
// Mocks together with a bidirectional in-process pipe, standing in for
// a BLE GATT connection.
type Mock struct {
	mu          sync.Mutex
	address     string
	subscribers map[PortID]InboundFunc
	peerMock    map[PortID]*Mock // where Send(port, ...) forwards to
	peerPort    map[PortID]PortID
	onAccept    AcceptFunc
	registry    map[string]*Mock // address -> peer, shared across a test's mesh
	neighbours  []Neighbour
	advertised  int
	closed      map[PortID]bool
}

// NewMock creates an in-memory transport for a device reachable at address.
// All Mocks that should be able to Connect to each other must share the
// same registry map, produced by NewMeshRegistry.
func NewMock(address string, registry map[string]*Mock) *Mock {
	m := &Mock{
		address:     address,
		subscribers: make(map[PortID]InboundFunc),
		peerMock:    make(map[PortID]*Mock),
		peerPort:    make(map[PortID]PortID),
		registry:    registry,
		closed:      make(map[PortID]bool),
	}
	registry[address] = m
	return m
}

// NewMeshRegistry creates an empty address registry shared by a set of Mocks.
func NewMeshRegistry() map[string]*Mock {
	return make(map[string]*Mock)
}

// SetNeighbours fixes the scan result list returned by Scan, for test setup.
func (m *Mock) SetNeighbours(n []Neighbour) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neighbours = n
}

func (m *Mock) SubscribeInbound(port PortID, callback InboundFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[port] = callback
	m.closed[port] = false
}

func (m *Mock) OnAccept(callback AcceptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAccept = callback
}

func (m *Mock) Send(port PortID, data []byte) error {
	m.mu.Lock()
	peer, ok := m.peerMock[port]
	peerPort := m.peerPort[port]
	closed := m.closed[port]
	m.mu.Unlock()
	if closed || !ok {
		return fmt.Errorf("transport: port %s not connected", port)
	}
	peer.mu.Lock()
	cb, subscribed := peer.subscribers[peerPort]
	peerClosed := peer.closed[peerPort]
	peer.mu.Unlock()
	if !subscribed || peerClosed {
		return fmt.Errorf("transport: peer not receiving on port %s", peerPort)
	}
	cb(peerPort, append([]byte(nil), data...))
	return nil
}

func (m *Mock) Broadcast(data []byte, exclude map[PortID]bool) error {
	m.mu.Lock()
	type target struct {
		peer     *Mock
		peerPort PortID
	}
	targets := make(map[PortID]target, len(m.peerMock))
	for port, peer := range m.peerMock {
		if exclude[port] || m.closed[port] {
			continue
		}
		targets[port] = target{peer: peer, peerPort: m.peerPort[port]}
	}
	m.mu.Unlock()
	for _, tgt := range targets {
		tgt.peer.mu.Lock()
		cb, ok := tgt.peer.subscribers[tgt.peerPort]
		closed := tgt.peer.closed[tgt.peerPort]
		tgt.peer.mu.Unlock()
		if ok && !closed {
			cb(tgt.peerPort, append([]byte(nil), data...))
		}
	}
	return nil
}

func (m *Mock) Scan(_ float64) ([]Neighbour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Neighbour(nil), m.neighbours...), nil
}

// Connect establishes a bidirectional pipe to the peer registered at
// address. On this side, bytes sent to the returned port reach the
// peer's port (named after this device's address); the peer is notified
// via its OnAccept callback, exactly as a BLE central connecting to a
// peripheral's GATT server would be observed on the peripheral side.
func (m *Mock) Connect(address string) (PortID, error) {
	m.mu.Lock()
	peer, ok := m.registry[address]
	myAddress := m.address
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("transport: no peer registered at %s", address)
	}

	localPort := PortID(address)
	remotePort := PortID(myAddress)

	m.mu.Lock()
	m.closed[localPort] = false
	m.peerMock[localPort] = peer
	m.peerPort[localPort] = remotePort
	m.mu.Unlock()

	peer.mu.Lock()
	peer.closed[remotePort] = false
	peer.peerMock[remotePort] = m
	peer.peerPort[remotePort] = localPort
	accept := peer.onAccept
	peer.mu.Unlock()

	if accept != nil {
		accept(remotePort, myAddress)
	}
	return localPort, nil
}

func (m *Mock) Disconnect(port PortID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[port] = true
	delete(m.subscribers, port)
	return nil
}

func (m *Mock) UpdateAdvertisement(hopCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertised = hopCount
}

// Advertised returns the last hop count passed to UpdateAdvertisement,
// for assertions in tests.
func (m *Mock) Advertised() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertised
}
