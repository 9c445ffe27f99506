// Package packet implements the fixed 70-byte header wire format shared
// by every link in the mesh (spec §3, §4.2). It is grounded on the
// teacher's cell framing: fixed field offsets and explicit big-endian
// field widths. Packet itself is a decoded struct; Encode and Decode
// convert it to and from the wire bytes.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meshtree/beacon/internal/meshid"
)

// MsgType is the closed sum type of packet payload kinds (spec §3).
type MsgType uint8

const (
	MsgData         MsgType = 0x01
	MsgHeartbeat    MsgType = 0x02
	MsgControl      MsgType = 0x03
	MsgAuthRequest  MsgType = 0x04
	MsgAuthResponse MsgType = 0x05
)

func (m MsgType) Valid() bool {
	switch m {
	case MsgData, MsgHeartbeat, MsgControl, MsgAuthRequest, MsgAuthResponse:
		return true
	default:
		return false
	}
}

func (m MsgType) String() string {
	switch m {
	case MsgData:
		return "DATA"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgControl:
		return "CONTROL"
	case MsgAuthRequest:
		return "AUTH_REQUEST"
	case MsgAuthResponse:
		return "AUTH_RESPONSE"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", uint8(m))
	}
}

// Header field widths and offsets (spec §3).
const (
	OffSource      = 0
	OffDestination = OffSource + meshid.Size
	OffMsgType     = OffDestination + meshid.Size
	OffTTL         = OffMsgType + 1
	OffSequence    = OffTTL + 1
	OffMAC         = OffSequence + 4
	OffPayload     = OffMAC + macLen

	macLen = 32

	// HeaderLen is the fixed 70-byte header length.
	HeaderLen = OffPayload
)

// Parse errors (spec §4.2).
var (
	ErrTruncatedHeader = errors.New("packet: truncated header")
	ErrUnknownMsgType  = errors.New("packet: unknown msg_type")
	ErrPayloadTooLarge = errors.New("packet: payload too large")
)

// MaxPayloadLen bounds payload size to the transport MTU budget (spec §4.10);
// BLE fragment size is 180 bytes but the adapter reassembles fragments, so
// this is a generous ceiling on the reassembled frame, not a per-fragment one.
const MaxPayloadLen = 4096

// Packet is a parsed mesh packet.
type Packet struct {
	Source      meshid.NID
	Destination meshid.NID
	MsgType     MsgType
	TTL         uint8
	Sequence    uint32
	MAC         [macLen]byte
	Payload     []byte
}

// Encode serialises p into its wire form: 70-byte header + payload.
func Encode(p Packet) ([]byte, error) {
	if !p.MsgType.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMsgType, uint8(p.MsgType))
	}
	if len(p.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), MaxPayloadLen)
	}
	out := make([]byte, HeaderLen+len(p.Payload))
	writeHeader(out, p)
	copy(out[OffMAC:OffMAC+macLen], p.MAC[:])
	copy(out[OffPayload:], p.Payload)
	return out, nil
}

// writeHeader fills every header field except MAC.
func writeHeader(out []byte, p Packet) {
	copy(out[OffSource:OffSource+meshid.Size], p.Source[:])
	copy(out[OffDestination:OffDestination+meshid.Size], p.Destination[:])
	out[OffMsgType] = uint8(p.MsgType)
	out[OffTTL] = p.TTL
	binary.BigEndian.PutUint32(out[OffSequence:OffSequence+4], p.Sequence)
}

// Decode parses raw wire bytes into a Packet.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes, need >= %d", ErrTruncatedHeader, len(raw), HeaderLen)
	}
	msgType := MsgType(raw[OffMsgType])
	if !msgType.Valid() {
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMsgType, raw[OffMsgType])
	}
	payloadLen := len(raw) - HeaderLen
	if payloadLen > MaxPayloadLen {
		return Packet{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payloadLen, MaxPayloadLen)
	}

	p := Packet{
		Source:      meshid.FromBytes(raw[OffSource : OffSource+meshid.Size]),
		Destination: meshid.FromBytes(raw[OffDestination : OffDestination+meshid.Size]),
		MsgType:     msgType,
		TTL:         raw[OffTTL],
		Sequence:    binary.BigEndian.Uint32(raw[OffSequence : OffSequence+4]),
	}
	copy(p.MAC[:], raw[OffMAC:OffMAC+macLen])
	if payloadLen > 0 {
		p.Payload = append([]byte(nil), raw[OffPayload:]...)
	}
	return p, nil
}

// MACInput returns the canonical byte range over which the MAC is
// computed: everything except the MAC field itself (spec §3 invariant a).
func MACInput(p Packet) []byte {
	buf := make([]byte, OffMAC+len(p.Payload))
	writeHeader(buf, p)
	copy(buf[OffMAC:], p.Payload)
	return buf
}

// WithMAC returns a copy of p with its MAC field set to mac. The caller
// computes mac (HMAC-SHA256 over MACInput(p)), so this package does not
// import identity (keeping the codec crypto-agnostic).
func WithMAC(p Packet, mac []byte) Packet {
	out := p
	copy(out.MAC[:], mac)
	return out
}
