// Package meshid defines the 128-bit network identifier used throughout
// the mesh: devices, packet source/destination fields, and forwarding
// table keys all key off NID.
package meshid

import (
	"fmt"

	"github.com/google/uuid"
)

// Size is the wire width of an NID: 16 bytes, matching the UUID byte layout.
const Size = 16

// NID is a 128-bit network identifier, canonically rendered as a UUID.
type NID [Size]byte

// Broadcast is the distinguished NID reserved for HEARTBEAT destinations.
// All-ones, documented here as the one constant value every device in the
// mesh must agree on.
var Broadcast = NID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Zero is the all-zero NID, never a valid device identity.
var Zero NID

// FromUUID converts a google/uuid value into an NID.
func FromUUID(u uuid.UUID) NID {
	var n NID
	copy(n[:], u[:])
	return n
}

// Parse parses the canonical textual UUID form into an NID.
func Parse(s string) (NID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NID{}, fmt.Errorf("parse nid %q: %w", s, err)
	}
	return FromUUID(u), nil
}

// New generates a fresh random NID (UUIDv4), used by provisioning tools
// and tests; production devices get their NID from the certificate Subject.
func New() NID {
	return FromUUID(uuid.New())
}

// FromBytes copies a 16-byte slice into an NID. Panics if b is not 16 bytes;
// callers that parse untrusted wire data should check length first.
func FromBytes(b []byte) NID {
	if len(b) != Size {
		panic(fmt.Sprintf("meshid: FromBytes: want %d bytes, got %d", Size, len(b)))
	}
	var n NID
	copy(n[:], b)
	return n
}

// String renders the canonical UUID textual form.
func (n NID) String() string {
	return uuid.UUID(n).String()
}

// IsBroadcast reports whether n is the well-known broadcast NID.
func (n NID) IsBroadcast() bool {
	return n == Broadcast
}

// IsZero reports whether n is the unset/zero NID.
func (n NID) IsZero() bool {
	return n == Zero
}
