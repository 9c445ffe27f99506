package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
)

// chanPipe implements Channel over a pair of buffered Go channels,
// modeling the dedicated control channel of spec §4.5.
type chanPipe struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *chanPipe) {
	ab := make(chan []byte, 4)
	ba := make(chan []byte, 4)
	return &chanPipe{out: ab, in: ba}, &chanPipe{out: ba, in: ab}
}

func (c *chanPipe) Send(msg []byte) error {
	c.out <- msg
	return nil
}

func (c *chanPipe) Receive(deadline time.Time) ([]byte, error) {
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func mintIdentity(t *testing.T, ou string, caKey *ecdsa.PrivateKey, caCert *x509.Certificate) *identity.Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	nid := meshid.New()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(1)),
		Subject:      pkix.Name{CommonName: nid.String(), OrganizationalUnit: []string{ou}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	id, err := identity.Load(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		encodeKeyPEM(t, key),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func encodeKeyPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func newCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, cert
}

func TestMutualAuthenticationSucceeds(t *testing.T) {
	caKey, caCert := newCA(t)
	node := mintIdentity(t, "Node", caKey, caCert)
	sink := mintIdentity(t, "Sink", caKey, caCert)

	chInit, chResp := newPipePair()

	type outcome struct {
		res *Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	go func() {
		res, err := Run(chInit, node, true, true, 2*time.Second, nil)
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := Run(chResp, sink, false, true, 2*time.Second, nil)
		respCh <- outcome{res, err}
	}()

	initOut := <-initCh
	respOut := <-respCh

	if initOut.err != nil {
		t.Fatalf("initiator: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder: %v", respOut.err)
	}
	if initOut.res.PeerNID != sink.NID {
		t.Fatalf("initiator resolved wrong peer NID")
	}
	if !initOut.res.PeerIsSink {
		t.Fatal("initiator should see responder as Sink")
	}
	if respOut.res.PeerNID != node.NID {
		t.Fatalf("responder resolved wrong peer NID")
	}
	if initOut.res.Keys.Link != respOut.res.Keys.Link {
		t.Fatal("link keys differ between initiator and responder")
	}
	if initOut.res.Keys.E2E != respOut.res.Keys.E2E {
		t.Fatal("e2e keys differ between initiator and responder")
	}
}

func TestAuthRejectsUntrustedCert(t *testing.T) {
	caKeyA, caCertA := newCA(t)
	caKeyB, caCertB := newCA(t) // a different CA entirely

	node := mintIdentity(t, "Node", caKeyA, caCertA)
	imposter := mintIdentity(t, "Sink", caKeyB, caCertB)

	chInit, chResp := newPipePair()

	type outcome struct {
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)
	go func() {
		_, err := Run(chInit, node, true, true, 2*time.Second, nil)
		initCh <- outcome{err}
	}()
	go func() {
		_, err := Run(chResp, imposter, false, true, 2*time.Second, nil)
		respCh <- outcome{err}
	}()

	initOut := <-initCh
	<-respCh
	if initOut.err == nil {
		t.Fatal("expected initiator to reject a certificate from an untrusted CA")
	}
}

func TestAuthTimesOutWithoutPeer(t *testing.T) {
	node := mintIdentityStandalone(t)
	ch := &chanPipe{out: make(chan []byte, 1), in: make(chan []byte, 1)}
	_, err := Run(ch, node, false, false, 50*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func mintIdentityStandalone(t *testing.T) *identity.Identity {
	t.Helper()
	caKey, caCert := newCA(t)
	return mintIdentity(t, "Node", caKey, caCert)
}
