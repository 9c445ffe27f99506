package heartbeat

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshtree/beacon/internal/identity"
	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/packet"
	"github.com/meshtree/beacon/internal/transport"
)

// ErrWrongSink means the payload's sink_nid does not match the pinned Sink.
var ErrWrongSink = errors.New("heartbeat: unexpected sink_nid")

// UplinkTracker is the link-manager capability the consumer needs: record
// that a fresh, signature-valid heartbeat arrived on port (spec §4.6 step 4).
type UplinkTracker interface {
	TouchUplink(port transport.PortID, at time.Time)
}

// Consumer implements a Node's HEARTBEAT local handler (spec §4.6 steps 2
// and 4). Steps 1 and 3 (broadcast-MAC verification, replay check) and the
// conditional re-broadcast of step 5 are done by the router daemon's
// receive pipeline before and after this handler runs, so they live in
// internal/router instead.
//
// The Sink's public key is pinned at provisioning rather than learned
// dynamically. Spec §4.6 says it is "obtained during the Sink-ward
// authentication, cached by sink_nid", but a Node whose uplink is an
// intermediate Node — not the Sink itself — never authenticates directly
// with the Sink, so such a cache could never be populated for most of the
// tree. Since the network has exactly one Sink (spec §1 non-goals: no
// multi-Sink coordination), every device is instead provisioned with the
// Sink's certificate alongside its CA and own certificate, fixing the
// public key for the process lifetime (see SPEC_FULL.md §4).
type Consumer struct {
	sinkNID meshid.NID
	sinkPub *ecdsa.PublicKey
	tracker UplinkTracker
	logger  *slog.Logger
}

// NewConsumer constructs a Consumer pinned to the given Sink identity.
func NewConsumer(sinkNID meshid.NID, sinkPub *ecdsa.PublicKey, tracker UplinkTracker, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{sinkNID: sinkNID, sinkPub: sinkPub, tracker: tracker, logger: logger}
}

// Handle is registered with the router daemon as the local handler for
// MsgHeartbeat (spec §4.8 register_local_handler). By the time it runs,
// the router has already verified the broadcast MAC and the replay
// window; Handle checks the inner ECDSA signature — the heartbeat's true
// authenticity proof, since the broadcast MAC alone is a shared secret
// known to every device — and, only if valid, refreshes last_heartbeat_at.
func (c *Consumer) Handle(port transport.PortID, pkt packet.Packet) error {
	hp, err := Decode(pkt.Payload)
	if err != nil {
		return fmt.Errorf("heartbeat: decode payload: %w", err)
	}
	if hp.SinkNID != c.sinkNID {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongSink, hp.SinkNID, c.sinkNID)
	}
	msg := SignedMessage(hp.SinkNID, hp.Timestamp, pkt.Sequence)
	if err := identity.Verify(c.sinkPub, msg, hp.Signature[:]); err != nil {
		c.logger.Warn("heartbeat: signature mismatch", "port", port, "sink", hp.SinkNID.String())
		return err
	}
	c.tracker.TouchUplink(port, time.Now())
	return nil
}
