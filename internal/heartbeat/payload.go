// Package heartbeat implements the Sink's periodic signed beacon, the
// Node's verify/forward/timeout-detect behaviour, and the watchdog that
// declares uplink loss (spec §4.6, §4.7). The payload layout mirrors the
// teacher's fixed-width, self-describing encodings (cell header, ntor
// CREATE2/CREATED2 HDATA) rather than a length-prefixed or ASN.1 form.
package heartbeat

import (
	"encoding/binary"
	"fmt"

	"github.com/meshtree/beacon/internal/meshid"
)

// Signature width for P-521 ECDSA in the fixed-width r‖s encoding used
// throughout this module (identity.Sign/Verify): each coordinate is
// ceil(521/8) = 66 bytes, so a signature is 132 bytes.
const sigLen = 132

// PayloadLen is sink_nid(16) + timestamp(8) + signature(132) = 156 bytes.
// spec.md's "88 bytes" figure assumed a smaller curve; SPEC_FULL.md
// §4 documents and fixes the true length for P-521.
const PayloadLen = meshid.Size + 8 + sigLen

// Payload is the decoded HEARTBEAT packet payload.
type Payload struct {
	SinkNID   meshid.NID
	Timestamp uint64 // seconds since epoch
	Signature [sigLen]byte
}

// SignedMessage returns the bytes the Sink signs and Nodes verify:
// sink_nid ‖ timestamp ‖ sequence (spec §4.6).
func SignedMessage(sinkNID meshid.NID, timestamp uint64, sequence uint32) []byte {
	buf := make([]byte, meshid.Size+8+4)
	copy(buf[0:meshid.Size], sinkNID[:])
	binary.BigEndian.PutUint64(buf[meshid.Size:meshid.Size+8], timestamp)
	binary.BigEndian.PutUint32(buf[meshid.Size+8:], sequence)
	return buf
}

// Encode serialises a Payload to its wire form.
func Encode(p Payload) []byte {
	buf := make([]byte, PayloadLen)
	copy(buf[0:meshid.Size], p.SinkNID[:])
	binary.BigEndian.PutUint64(buf[meshid.Size:meshid.Size+8], p.Timestamp)
	copy(buf[meshid.Size+8:], p.Signature[:])
	return buf
}

// Decode parses a HEARTBEAT payload.
func Decode(raw []byte) (Payload, error) {
	if len(raw) != PayloadLen {
		return Payload{}, fmt.Errorf("heartbeat: payload length %d, want %d", len(raw), PayloadLen)
	}
	p := Payload{
		SinkNID:   meshid.FromBytes(raw[0:meshid.Size]),
		Timestamp: binary.BigEndian.Uint64(raw[meshid.Size : meshid.Size+8]),
	}
	copy(p.Signature[:], raw[meshid.Size+8:])
	return p, nil
}
