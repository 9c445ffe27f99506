package control

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/transport"
)

type fakeDevice struct {
	neighbours []transport.Neighbour
	connected  []string
	disconnect []string
	sent       []sentMsg
	links      []LinkInfo
	inbox      []InboxEntry
	blocked    map[meshid.NID]bool
	scanErr    error
}

type sentMsg struct {
	dest meshid.NID
	body []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{blocked: make(map[meshid.NID]bool)}
}

func (f *fakeDevice) Scan(_ float64) ([]transport.Neighbour, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.neighbours, nil
}

func (f *fakeDevice) Connect(address string) error {
	f.connected = append(f.connected, address)
	return nil
}

func (f *fakeDevice) Disconnect(address string) error {
	f.disconnect = append(f.disconnect, address)
	return nil
}

func (f *fakeDevice) Send(destination meshid.NID, payload []byte) error {
	f.sent = append(f.sent, sentMsg{dest: destination, body: payload})
	return nil
}

func (f *fakeDevice) Links() []LinkInfo { return f.links }

func (f *fakeDevice) Inbox() []InboxEntry { return f.inbox }

func (f *fakeDevice) BlockHeartbeat(nid meshid.NID)   { f.blocked[nid] = true }
func (f *fakeDevice) UnblockHeartbeat(nid meshid.NID) { delete(f.blocked, nid) }
func (f *fakeDevice) BlockedHeartbeats() []meshid.NID {
	out := make([]meshid.NID, 0, len(f.blocked))
	for n := range f.blocked {
		out = append(out, n)
	}
	return out
}

var (
	_ Device           = (*fakeDevice)(nil)
	_ Inboxer          = (*fakeDevice)(nil)
	_ HeartbeatBlocker = (*fakeDevice)(nil)
)

func startTestServer(t *testing.T, dev Device) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &Server{Device: dev}
	go func() { _ = srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return conn, func() {
		_ = conn.Close()
		_ = srv.Close()
	}
}

func sendLine(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) string {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimSpace(reply)
}

func TestControlConnectAndDisconnect(t *testing.T) {
	dev := newFakeDevice()
	conn, cleanup := startTestServer(t, dev)
	defer cleanup()
	reader := bufio.NewReader(conn)

	if reply := sendLine(t, conn, reader, "connect aa:bb:cc"); reply != "OK" {
		t.Fatalf("connect reply = %q", reply)
	}
	if len(dev.connected) != 1 || dev.connected[0] != "aa:bb:cc" {
		t.Fatalf("connect not recorded: %v", dev.connected)
	}

	if reply := sendLine(t, conn, reader, "disconnect aa:bb:cc"); reply != "OK" {
		t.Fatalf("disconnect reply = %q", reply)
	}
	if len(dev.disconnect) != 1 {
		t.Fatal("disconnect not recorded")
	}
}

func TestControlScanFormatsNeighbours(t *testing.T) {
	dev := newFakeDevice()
	dev.neighbours = []transport.Neighbour{{Address: "peer1", AdvertisedHop: 2, RSSI: -55}}
	conn, cleanup := startTestServer(t, dev)
	defer cleanup()
	reader := bufio.NewReader(conn)

	reply := sendLine(t, conn, reader, "scan 1.0")
	if !strings.HasPrefix(reply, "OK ") {
		t.Fatalf("scan reply = %q", reply)
	}
	if !strings.Contains(reply, "peer1,hop=2,rssi=-55") {
		t.Fatalf("scan reply missing neighbour: %q", reply)
	}
}

func TestControlSendParsesNIDAndPayload(t *testing.T) {
	dev := newFakeDevice()
	conn, cleanup := startTestServer(t, dev)
	defer cleanup()
	reader := bufio.NewReader(conn)

	nid := meshid.New()
	reply := sendLine(t, conn, reader, "send "+nid.String()+" hello world")
	if reply != "OK" {
		t.Fatalf("send reply = %q", reply)
	}
	if len(dev.sent) != 1 || dev.sent[0].dest != nid || string(dev.sent[0].body) != "hello world" {
		t.Fatalf("send not recorded correctly: %+v", dev.sent)
	}
}

func TestControlInboxAndHeartbeatBlocking(t *testing.T) {
	dev := newFakeDevice()
	source := meshid.New()
	dev.inbox = []InboxEntry{{Timestamp: time.Unix(1000, 0), SourceNID: source, Plaintext: []byte("hi")}}
	conn, cleanup := startTestServer(t, dev)
	defer cleanup()
	reader := bufio.NewReader(conn)

	reply := sendLine(t, conn, reader, "inbox")
	if !strings.Contains(reply, source.String()) || !strings.Contains(reply, `"hi"`) {
		t.Fatalf("inbox reply = %q", reply)
	}

	nid := meshid.New()
	if reply := sendLine(t, conn, reader, "block-heartbeat "+nid.String()); reply != "OK" {
		t.Fatalf("block-heartbeat reply = %q", reply)
	}
	if !dev.blocked[nid] {
		t.Fatal("expected nid blocked")
	}
	if reply := sendLine(t, conn, reader, "unblock-heartbeat "+nid.String()); reply != "OK" {
		t.Fatalf("unblock-heartbeat reply = %q", reply)
	}
	if dev.blocked[nid] {
		t.Fatal("expected nid unblocked")
	}
}

func TestControlUnknownCommand(t *testing.T) {
	dev := newFakeDevice()
	conn, cleanup := startTestServer(t, dev)
	defer cleanup()
	reader := bufio.NewReader(conn)

	reply := sendLine(t, conn, reader, "frobnicate")
	if !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("expected ERR reply, got %q", reply)
	}
}
