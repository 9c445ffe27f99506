package linkmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/transport"
)

// recordingRouter captures every call a Manager makes into its Router
// dependency, standing in for the real internal/router.Router.
type recordingRouter struct {
	mu           sync.Mutex
	sessionKeys  map[transport.PortID][32]byte
	cleared      []transport.PortID
	replayClears []meshid.NID
	received     []receivedCall
}

type receivedCall struct {
	port transport.PortID
	raw  []byte
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{sessionKeys: make(map[transport.PortID][32]byte)}
}

func (r *recordingRouter) SetSessionKey(port transport.PortID, key [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionKeys[port] = key
}

func (r *recordingRouter) ClearSessionKey(port transport.PortID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionKeys, port)
	r.cleared = append(r.cleared, port)
}

func (r *recordingRouter) ClearReplayForPeer(peer meshid.NID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayClears = append(r.replayClears, peer)
}

func (r *recordingRouter) Receive(port transport.PortID, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, receivedCall{port: port, raw: raw})
}

func (r *recordingRouter) hasSessionKey(port transport.PortID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessionKeys[port]
	return ok
}

// testCA mints P-521 identities sharing one CA, mirroring the pattern in
// internal/identity's and internal/auth's test helpers.
type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	der  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: meshid.New().String(), OrganizationalUnit: []string{"CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{key: key, cert: cert, der: der}
}

func (ca *testCA) mint(t *testing.T, nid meshid.NID, ou string) *identity.Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: nid.String(), OrganizationalUnit: []string{ou}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.der})

	id, err := identity.Load(certPEM, keyPEM, caPEM)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestSelectUplinkAuthenticatesBestCandidate(t *testing.T) {
	ca := newTestCA(t)
	registry := transport.NewMeshRegistry()

	nodeID := ca.mint(t, meshid.New(), "Node")
	sinkID := ca.mint(t, meshid.New(), "Sink")

	nodeLink := transport.NewMock("node", registry)
	sinkLink := transport.NewMock("sink", registry)

	sinkRouter := newRecordingRouter()
	sinkMgr := New(sinkID.NID, true, sinkLink, sinkID, sinkRouter, time.Second, time.Second, time.Second, nil)
	_ = sinkMgr

	nodeLink.SetNeighbours([]transport.Neighbour{
		{Address: "sink", AdvertisedHop: 0, DeviceType: transport.DeviceTypeSink, RSSI: -40},
	})

	nodeRouter := newRecordingRouter()
	nodeMgr := New(nodeID.NID, false, nodeLink, nodeID, nodeRouter, time.Second, time.Second, time.Second, nil)

	if err := nodeMgr.selectUplink(context.Background()); err != nil {
		t.Fatalf("selectUplink: %v", err)
	}

	rec, ok := nodeMgr.Uplink()
	if !ok {
		t.Fatal("expected uplink to be installed")
	}
	if rec.PeerNID != sinkID.NID {
		t.Fatalf("uplink peer = %s, want %s", rec.PeerNID, sinkID.NID)
	}
	if !nodeRouter.hasSessionKey(rec.Port) {
		t.Fatal("expected session key installed on node's router")
	}
	if nodeMgr.HopCount() != 1 {
		t.Fatalf("HopCount = %d, want 1", nodeMgr.HopCount())
	}

	waitFor(t, time.Second, func() bool { return len(sinkMgr.Downlinks()) == 1 })
	downs := sinkMgr.Downlinks()
	if downs[0].PeerNID != nodeID.NID {
		t.Fatalf("sink downlink peer = %s, want %s", downs[0].PeerNID, nodeID.NID)
	}
	if !sinkRouter.hasSessionKey(downs[0].Port) {
		t.Fatal("expected session key installed on sink's router")
	}
}

func TestRankCandidatesExcludesPeripheralOnlyAndCooldown(t *testing.T) {
	ca := newTestCA(t)
	registry := transport.NewMeshRegistry()
	nodeID := ca.mint(t, meshid.New(), "Node")
	link := transport.NewMock("node", registry)
	mgr := New(nodeID.NID, false, link, nodeID, newRecordingRouter(), time.Second, time.Second, time.Minute, nil)

	near := transport.Neighbour{Address: "near", AdvertisedHop: 2, RSSI: -80}
	far := transport.Neighbour{Address: "far", AdvertisedHop: 2, RSSI: -40}
	closer := transport.Neighbour{Address: "closer", AdvertisedHop: 1, RSSI: -90}
	leaf := transport.Neighbour{Address: "leaf", AdvertisedHop: transport.PeripheralOnlyHop, DeviceType: transport.DeviceTypePeripheralOnly, RSSI: -10}

	ranked := mgr.rankCandidates([]transport.Neighbour{near, far, closer, leaf})
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked candidates, got %d", len(ranked))
	}
	if ranked[0].Address != "closer" {
		t.Fatalf("expected lowest hop first, got %s", ranked[0].Address)
	}
	if ranked[1].Address != "far" || ranked[2].Address != "near" {
		t.Fatalf("expected RSSI tie-break far>near, got %s,%s", ranked[1].Address, ranked[2].Address)
	}

	mgr.markFailed("closer")
	ranked = mgr.rankCandidates([]transport.Neighbour{near, far, closer, leaf})
	if len(ranked) != 2 {
		t.Fatalf("expected cooled-down candidate excluded, got %d", len(ranked))
	}
	for _, c := range ranked {
		if c.Address == "closer" {
			t.Fatal("cooled-down candidate must be excluded")
		}
	}
}

func TestOnUplinkDeadCascadesToDownlinks(t *testing.T) {
	ca := newTestCA(t)
	registry := transport.NewMeshRegistry()

	rootID := ca.mint(t, meshid.New(), "Sink")
	midID := ca.mint(t, meshid.New(), "Node")
	leafID := ca.mint(t, meshid.New(), "Node")

	rootLink := transport.NewMock("root", registry)
	midLink := transport.NewMock("mid", registry)
	leafLink := transport.NewMock("leaf", registry)

	rootRouter := newRecordingRouter()
	rootMgr := New(rootID.NID, true, rootLink, rootID, rootRouter, time.Second, time.Second, time.Second, nil)
	_ = rootMgr

	midRouter := newRecordingRouter()
	midLink.SetNeighbours([]transport.Neighbour{{Address: "root", AdvertisedHop: 0, DeviceType: transport.DeviceTypeSink}})
	midMgr := New(midID.NID, false, midLink, midID, midRouter, time.Second, time.Second, time.Second, nil)
	if err := midMgr.selectUplink(context.Background()); err != nil {
		t.Fatalf("mid selectUplink: %v", err)
	}

	leafRouter := newRecordingRouter()
	leafLink.SetNeighbours([]transport.Neighbour{{Address: "mid", AdvertisedHop: 1}})
	leafMgr := New(leafID.NID, false, leafLink, leafID, leafRouter, time.Second, time.Second, time.Second, nil)
	if err := leafMgr.selectUplink(context.Background()); err != nil {
		t.Fatalf("leaf selectUplink: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(midMgr.Downlinks()) == 1 })

	midMgr.OnUplinkDead()

	if _, ok := midMgr.Uplink(); ok {
		t.Fatal("expected uplink cleared")
	}
	if midMgr.HopCount() != int(transport.NoUplinkHop) {
		t.Fatalf("HopCount = %d, want NoUplinkHop", midMgr.HopCount())
	}
	if len(midMgr.Downlinks()) != 0 {
		t.Fatal("expected downlinks cascaded away")
	}
	if len(rootRouter.cleared) == 0 {
		t.Fatal("expected root router to clear session key for lost downlink")
	}
}

func TestUplinkReselectionSkipsWhileEstablished(t *testing.T) {
	ca := newTestCA(t)
	registry := transport.NewMeshRegistry()
	nodeID := ca.mint(t, meshid.New(), "Node")
	sinkID := ca.mint(t, meshid.New(), "Sink")

	nodeLink := transport.NewMock("node", registry)
	sinkLink := transport.NewMock("sink", registry)
	sinkMgr := New(sinkID.NID, true, sinkLink, sinkID, newRecordingRouter(), time.Second, time.Second, time.Second, nil)
	_ = sinkMgr

	nodeLink.SetNeighbours([]transport.Neighbour{{Address: "sink", AdvertisedHop: 0, DeviceType: transport.DeviceTypeSink}})
	nodeMgr := New(nodeID.NID, false, nodeLink, nodeID, newRecordingRouter(), 100*time.Millisecond, 20*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	nodeMgr.Run(ctx)

	first, ok := nodeMgr.Uplink()
	if !ok {
		t.Fatal("expected uplink established during Run")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel2()
	nodeMgr.Run(ctx2)

	second, ok := nodeMgr.Uplink()
	if !ok {
		t.Fatal("expected uplink to remain established")
	}
	if first.Port != second.Port {
		t.Fatal("Run must not reselect a functioning uplink")
	}
}
