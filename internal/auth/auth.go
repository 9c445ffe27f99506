// Package auth implements the mutual X.509 challenge/response
// authentication state machine over a link's dedicated control channel
// (spec §4.5). Its step-by-step structure — send, wait with a deadline,
// validate, derive keys — mirrors the teacher's link.Handshake function,
// generalized from a one-sided TLS+CERTS-cell flow to the spec's
// symmetric initiator/responder exchange.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
)

// State is one of the values in spec §3 "Authentication session state".
type State int

const (
	StateIdle State = iota
	StateCertSent
	StateChallengeSent
	StateChallengeResponded
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCertSent:
		return "cert_sent"
	case StateChallengeSent:
		return "challenge_sent"
	case StateChallengeResponded:
		return "challenge_responded"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure taxonomy (spec §4.5).
var (
	ErrPeerCertInvalid   = errors.New("auth: peer certificate invalid")
	ErrPeerCertExpired   = errors.New("auth: peer certificate expired")
	ErrSignatureMismatch = errors.New("auth: signature mismatch")
	ErrTimeout           = errors.New("auth: timeout")
)

// DefaultTimeout is AUTH_TIMEOUT from spec §6.
const DefaultTimeout = 10 * time.Second

const nonceLen = 32

// Channel abstracts the dedicated control channel used for the
// AUTH_REQUEST/AUTH_RESPONSE envelopes. Request/Response exchange raw
// message bytes; the link manager supplies an implementation backed by
// the transport's authentication characteristic (spec §4.4, §6).
type Channel interface {
	// Send writes one message to the peer on this control channel.
	Send(msg []byte) error
	// Receive blocks for the next message, honoring deadline.
	Receive(deadline time.Time) ([]byte, error)
}

// Result is the outcome of a successful Run: the derived key material
// and the authenticated peer's identity.
type Result struct {
	PeerNID    meshid.NID
	PeerIsSink bool
	PeerCert   *x509.Certificate
	Keys       *identity.KeyMaterial
}

// Run drives the full mutual challenge/response protocol to completion
// (spec §4.5 steps 1-4) and returns the derived key material, or a
// failure from the taxonomy above. deriveE2E should be true only when
// the peer is the Sink-ward endpoint this device needs K_e2e for (only
// true endpoints ever request it — see SPEC_FULL.md §4).
func Run(ch Channel, self *identity.Identity, initiator bool, deriveE2E bool, timeout time.Duration, logger *slog.Logger) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	deadline := time.Now().Add(timeout)

	eph, err := identity.NewEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("auth: generate ephemeral key: %w", err)
	}

	if initiator {
		return runInitiator(ch, self, eph, deriveE2E, deadline, logger)
	}
	return runResponder(ch, self, eph, deriveE2E, deadline, logger)
}

func runInitiator(ch Channel, self *identity.Identity, eph *identity.EphemeralKeyPair, deriveE2E bool, deadline time.Time, logger *slog.Logger) (*Result, error) {
	c1, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("auth: nonce: %w", err)
	}

	req := encodeHello(certPEMBytes(self), eph.PublicBytes(), c1)
	if err := ch.Send(req); err != nil {
		return nil, fmt.Errorf("auth: send AUTH_REQUEST: %w", err)
	}
	logger.Debug("auth: sent AUTH_REQUEST", "role", "initiator")

	respMsg, err := ch.Receive(deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	resp, err := decodeResponse(respMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}

	peerCert, err := parseAndValidateCert(self, resp.cert)
	if err != nil {
		return nil, err
	}

	verifyMsg := concat(c1, eph.PublicBytes(), resp.ephPub)
	if err := verifySignature(peerCert, verifyMsg, resp.sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	sigI, err := self.Sign(concat(resp.nonce, resp.ephPub, eph.PublicBytes()))
	if err != nil {
		return nil, fmt.Errorf("auth: sign response: %w", err)
	}
	if err := ch.Send(encodeFinish(sigI)); err != nil {
		return nil, fmt.Errorf("auth: send final signature: %w", err)
	}

	peerNID, peerIsSink, err := identityFromCert(peerCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}
	keys, err := eph.DeriveKeyMaterial(resp.ephPub, deriveE2E)
	if err != nil {
		return nil, fmt.Errorf("auth: derive keys: %w", err)
	}
	logger.Info("auth: authenticated", "role", "initiator", "peer", peerNID.String())
	return &Result{PeerNID: peerNID, PeerIsSink: peerIsSink, PeerCert: peerCert, Keys: keys}, nil
}

func runResponder(ch Channel, self *identity.Identity, eph *identity.EphemeralKeyPair, deriveE2E bool, deadline time.Time, logger *slog.Logger) (*Result, error) {
	reqMsg, err := ch.Receive(deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	req, err := decodeHello(reqMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}

	peerCert, err := parseAndValidateCert(self, req.cert)
	if err != nil {
		return nil, err
	}

	c2, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("auth: nonce: %w", err)
	}
	sigR, err := self.Sign(concat(req.nonce, req.ephPub, eph.PublicBytes()))
	if err != nil {
		return nil, fmt.Errorf("auth: sign response: %w", err)
	}
	if err := ch.Send(encodeResponse(certPEMBytes(self), eph.PublicBytes(), c2, sigR)); err != nil {
		return nil, fmt.Errorf("auth: send AUTH_RESPONSE: %w", err)
	}
	logger.Debug("auth: sent AUTH_RESPONSE", "role", "responder")

	finMsg, err := ch.Receive(deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	sigI, err := decodeFinish(finMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	verifyMsg := concat(c2, eph.PublicBytes(), req.ephPub)
	if err := verifySignature(peerCert, verifyMsg, sigI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	peerNID, peerIsSink, err := identityFromCert(peerCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}
	keys, err := eph.DeriveKeyMaterial(req.ephPub, deriveE2E)
	if err != nil {
		return nil, fmt.Errorf("auth: derive keys: %w", err)
	}
	logger.Info("auth: authenticated", "role", "responder", "peer", peerNID.String())
	return &Result{PeerNID: peerNID, PeerIsSink: peerIsSink, PeerCert: peerCert, Keys: keys}, nil
}

func parseAndValidateCert(self *identity.Identity, certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in peer certificate", ErrPeerCertInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}
	if err := self.VerifyPeerCert(cert); err != nil {
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: %v", ErrPeerCertExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPeerCertInvalid, err)
	}
	return cert, nil
}

func identityFromCert(cert *x509.Certificate) (meshid.NID, bool, error) {
	if cert.Subject.CommonName == "" {
		return meshid.NID{}, false, fmt.Errorf("peer certificate has no CommonName")
	}
	nid, err := meshid.Parse(cert.Subject.CommonName)
	if err != nil {
		return meshid.NID{}, false, err
	}
	isSink := false
	for _, ou := range cert.Subject.OrganizationalUnit {
		if ou == identity.SinkOrgUnit {
			isSink = true
		}
	}
	return nid, isSink, nil
}

func certPEMBytes(id *identity.Identity) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
}

func verifySignature(cert *x509.Certificate, msg, sig []byte) error {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("peer certificate public key is not ECDSA")
	}
	return identity.Verify(pub, msg, sig)
}

func randomNonce() ([]byte, error) {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
