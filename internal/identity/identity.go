// Package identity wraps the elliptic-curve key/certificate handling,
// ECDSA signing, ECDH key agreement, HMAC, and AEAD primitives used by
// every other package in this module. It is intentionally narrow: it
// does not know about packets, links, or the router.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/meshtree/beacon/internal/meshid"
)

// Sentinel errors forming the taxonomy in spec §4.1.
var (
	ErrInvalidCertificate = errors.New("identity: invalid certificate")
	ErrSignatureInvalid   = errors.New("identity: signature invalid")
	ErrDecryptionFailed   = errors.New("identity: decryption failed")
	ErrKeyAgreementFailed = errors.New("identity: key agreement failed")
)

// SinkOrgUnit is the Subject Organisational-Unit value that marks a
// device certificate as belonging to the Sink (spec §6).
const SinkOrgUnit = "Sink"

const (
	sessionKeyLen = 32
	macKeyLen     = 32
)

// HKDF info labels, domain-separating the per-link MAC key from the
// end-to-end AEAD key derived from the same ECDH shared secret (spec §3).
const (
	infoMacLink = "mesh-tree-1:mac-link"
	infoE2E     = "mesh-tree-1:e2e"
)

// Identity holds one device's certificate material: its own cert/key,
// the CA certificate used to validate peers, and its NID.
type Identity struct {
	NID        meshid.NID
	IsSink     bool
	Cert       *x509.Certificate
	PrivateKey *ecdsa.PrivateKey
	CACert     *x509.Certificate
}

// Load parses PEM-encoded device certificate, private key, and CA
// certificate bytes (spec §6: "three PEM-encoded files per device").
func Load(certPEM, keyPEM, caPEM []byte) (*Identity, error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: device cert: %v", ErrInvalidCertificate, err)
	}
	caCert, err := parseCertPEM(caPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: ca cert: %v", ErrInvalidCertificate, err)
	}
	key, err := parseECPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidCertificate, err)
	}
	if key.Curve != elliptic.P521() {
		return nil, fmt.Errorf("%w: private key is not P-521", ErrInvalidCertificate)
	}

	nid, isSink, err := subjectNID(cert.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	id := &Identity{NID: nid, IsSink: isSink, Cert: cert, PrivateKey: key, CACert: caCert}
	if err := id.VerifyPeerCert(cert); err != nil {
		return nil, fmt.Errorf("%w: own cert does not chain to CA: %v", ErrInvalidCertificate, err)
	}
	return id, nil
}

// SinkPin fixes the Sink's NID and long-term public key for the process
// lifetime (SPEC_FULL.md §4 "Sink public key pinning"): a Node whose
// uplink is an intermediate Node never authenticates directly with the
// Sink, so the dynamically-populated cache spec.md §4.6 describes could
// never be filled in for most of the tree. Every device is instead
// provisioned with the Sink's certificate as a fourth well-known PEM
// file alongside its CA and own identity.
type SinkPin struct {
	NID       meshid.NID
	PublicKey *ecdsa.PublicKey
}

// LoadSinkPin parses the Sink's certificate PEM and validates it chains
// to ca, returning the pinned (NID, public key) pair.
func LoadSinkPin(sinkCertPEM []byte, ca *x509.Certificate) (SinkPin, error) {
	cert, err := parseCertPEM(sinkCertPEM)
	if err != nil {
		return SinkPin{}, fmt.Errorf("%w: sink cert: %v", ErrInvalidCertificate, err)
	}
	nid, isSink, err := subjectNID(cert.Subject)
	if err != nil {
		return SinkPin{}, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if !isSink {
		return SinkPin{}, fmt.Errorf("%w: sink pin certificate is not OU=Sink", ErrInvalidCertificate)
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: rootPoolOf(ca), KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return SinkPin{}, fmt.Errorf("%w: sink cert does not chain to CA: %v", ErrInvalidCertificate, err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return SinkPin{}, fmt.Errorf("%w: sink cert public key is not ECDSA", ErrInvalidCertificate)
	}
	return SinkPin{NID: nid, PublicKey: pub}, nil
}

func rootPoolOf(ca *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return pool
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseECPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key is not ECDSA")
		}
		return ecKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// subjectNID extracts the NID from the certificate Subject's CommonName
// (the textual UUID form, spec §6) and reports whether OU=Sink.
func subjectNID(subject pkix.Name) (meshid.NID, bool, error) {
	if subject.CommonName == "" {
		return meshid.NID{}, false, fmt.Errorf("certificate subject has no CommonName")
	}
	nid, err := meshid.Parse(subject.CommonName)
	if err != nil {
		return meshid.NID{}, false, fmt.Errorf("subject CommonName is not a valid NID: %w", err)
	}
	isSink := false
	for _, ou := range subject.OrganizationalUnit {
		if ou == SinkOrgUnit {
			isSink = true
		}
	}
	return nid, isSink, nil
}

// VerifyPeerCert checks that cert chains to this identity's CA and is
// currently within its validity period (spec §4.1, §4.5).
func (id *Identity) VerifyPeerCert(cert *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(id.CACert)
	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate not valid at %v (window %v..%v)", ErrInvalidCertificate, now, cert.NotBefore, cert.NotAfter)
	}
	return nil
}

// Sign produces an ECDSA-P521/SHA-256 signature over msg, encoded as
// fixed-width r‖s (each zero-padded to the P-521 coordinate width, 66
// bytes), so the heartbeat payload format can be self-describing without
// carrying ASN.1 framing (spec §9 Open Question, resolved in SPEC_FULL.md).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return SignWith(id.PrivateKey, msg)
}

// SignWith signs msg with an arbitrary P-521 private key, in the same
// fixed-width r‖s encoding as Identity.Sign.
func SignWith(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	coordLen := (key.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*coordLen)
	r.FillBytes(out[:coordLen])
	s.FillBytes(out[coordLen:])
	return out, nil
}

// Verify checks a fixed-width r‖s ECDSA-P521/SHA-256 signature against
// the given public key.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) error {
	coordLen := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*coordLen {
		return fmt.Errorf("%w: signature length %d, want %d", ErrSignatureInvalid, len(sig), 2*coordLen)
	}
	digest := sha256.Sum256(msg)
	rr := new(big.Int).SetBytes(sig[:coordLen])
	ss := new(big.Int).SetBytes(sig[coordLen:])
	if !ecdsa.Verify(pub, digest[:], rr, ss) {
		return ErrSignatureInvalid
	}
	return nil
}

// KeyMaterial holds the two keys derived from one ECDH shared secret:
// the per-link MAC key and (only at the two true endpoints) the
// end-to-end AEAD key.
type KeyMaterial struct {
	Link [sessionKeyLen]byte
	E2E  [sessionKeyLen]byte
}

// EphemeralKeyPair is a fresh ECDH key pair for one authentication run.
type EphemeralKeyPair struct {
	priv *ecdh.PrivateKey
}

// NewEphemeralKeyPair generates a fresh P-521 ECDH key pair.
func NewEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	return &EphemeralKeyPair{priv: priv}, nil
}

// PublicBytes returns the uncompressed public key bytes to put on the wire.
func (k *EphemeralKeyPair) PublicBytes() []byte {
	return k.priv.PublicKey().Bytes()
}

// DeriveKeyMaterial runs ECDH against the peer's public key bytes and
// expands the shared secret via HKDF-SHA256 into the link MAC key and
// (if deriveE2E) the end-to-end AEAD key, using distinct info labels
// (spec §3, §4.1 — ntor/ntor.go's HKDF expansion is the grounding
// pattern for this derivation).
func (k *EphemeralKeyPair) DeriveKeyMaterial(peerPublic []byte, deriveE2E bool) (*KeyMaterial, error) {
	peerKey, err := ecdh.P521().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer public key: %v", ErrKeyAgreementFailed, err)
	}
	shared, err := k.priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}

	km := &KeyMaterial{}
	if err := hkdfExpandInto(shared, infoMacLink, km.Link[:]); err != nil {
		return nil, fmt.Errorf("%w: derive link key: %v", ErrKeyAgreementFailed, err)
	}
	if deriveE2E {
		if err := hkdfExpandInto(shared, infoE2E, km.E2E[:]); err != nil {
			return nil, fmt.Errorf("%w: derive e2e key: %v", ErrKeyAgreementFailed, err)
		}
	}
	return km, nil
}

// StaticE2EKey derives the end-to-end AEAD key shared between one Node
// and the Sink directly from their long-term identity keys via
// static-static ECDH + HKDF (info=e2e), bound with the Node's NID for
// domain separation across Nodes. Both sides compute the identical key
// by calling this with their own private key and the other party's
// public key, along with the Node's NID — symmetric because ECDH(a,B) ==
// ECDH(b,A). This lets a Node more than one hop from the Sink reach
// K_e2e without ever completing a live per-session handshake with the
// Sink (it only authenticates its immediate uplink, spec §9 Open
// Question, resolved in SPEC_FULL.md): the Node calls this with its own
// key and the Sink's pinned public key, and the Sink calls it with its
// own key and the public key recovered from the Node's certificate
// (carried self-describing in the DATA envelope, see device/node.go).
func StaticE2EKey(selfKey *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey, nodeNID meshid.NID) ([sessionKeyLen]byte, error) {
	var out [sessionKeyLen]byte
	selfECDH, err := selfKey.ECDH()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	peerECDH, err := peerPub.ECDH()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	shared, err := selfECDH.ECDH(peerECDH)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	if err := hkdfExpandInto(shared, infoE2E+":"+nodeNID.String(), out[:]); err != nil {
		return out, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	return out, nil
}

func hkdfExpandInto(secret []byte, info string, out []byte) error {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(info))
	_, err := io.ReadFull(kdf, out)
	return err
}

// ComputeMAC computes HMAC-SHA256(key, msg) — used both for per-link
// packet MACs and the fixed broadcast MAC key on HEARTBEAT.
func ComputeMAC(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// VerifyMAC constant-time compares an expected MAC against msg under key.
func VerifyMAC(key, msg, mac []byte) bool {
	expected := ComputeMAC(key, msg)
	return hmac.Equal(expected, mac)
}

// Seal AEAD-encrypts plaintext under key (32 bytes, AES-256-GCM) with a
// fresh random 96-bit nonce, returning nonce‖ciphertext‖tag (spec §4.1).
func Seal(key [sessionKeyLen]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrDecryptionFailed, err)
	}
	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open AEAD-decrypts a nonce‖ciphertext‖tag blob produced by Seal. Any
// modification yields ErrDecryptionFailed, never a plaintext.
func Open(key [sessionKeyLen]byte, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(sealed) < ns {
		return nil, ErrDecryptionFailed
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func newGCM(key [sessionKeyLen]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: aes: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrDecryptionFailed, err)
	}
	return gcm, nil
}
