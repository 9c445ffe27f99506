// Package device composes the packet/identity/auth/router/linkmanager/
// heartbeat building blocks into the two runnable roles of spec §3's
// network: Sink and Node. It is grounded on the teacher's client
// composition in cmd/tor-client/main.go, which wires circuit, onion,
// socks and directory together behind one daemon rather than exposing
// them as separate mains.
package device

import (
	"encoding/binary"
	"fmt"
)

// sealEnvelope prepends the originating Node's DER-encoded certificate
// to an AEAD-sealed DATA payload. It exists because a multi-hop Node's
// auth handshake only ever reaches its immediate neighbour, never the
// Sink itself (SPEC_FULL.md §4 "End-to-end key for multi-hop Nodes") —
// so the Sink has no other way to learn which public key to pair with
// identity.StaticE2EKey for an originator it never directly
// authenticated. This mirrors the teacher's onion-service descriptor
// (onion/descriptor.go), which carries an identity key to a party with
// no prior direct connection to its owner.
func sealEnvelope(certDER, ciphertext []byte) []byte {
	out := make([]byte, 2+len(certDER)+len(ciphertext))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(certDER)))
	copy(out[2:2+len(certDER)], certDER)
	copy(out[2+len(certDER):], ciphertext)
	return out
}

// openEnvelope splits an envelope back into the originating Node's
// certificate DER and the sealed ciphertext.
func openEnvelope(envelope []byte) (certDER, ciphertext []byte, err error) {
	if len(envelope) < 2 {
		return nil, nil, fmt.Errorf("device: envelope too short")
	}
	certLen := int(binary.BigEndian.Uint16(envelope[0:2]))
	if len(envelope) < 2+certLen {
		return nil, nil, fmt.Errorf("device: envelope truncated certificate")
	}
	return envelope[2 : 2+certLen], envelope[2+certLen:], nil
}
