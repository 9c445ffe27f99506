package main

import (
	"log/slog"
	"os"

	"github.com/meshtree/beacon/internal/transport"
)

// newLinkTransport constructs the BLE link this device runs over. The
// concrete BLE GATT central/peripheral adapter (scan, advertise,
// connect, byte-stream framing) is an external collaborator consumed
// through transport.Link (spec §1 Non-goals); this is the seam a real
// deployment plugs its adapter into.
func newLinkTransport(logger *slog.Logger) transport.Link {
	logger.Error("meshnode: no BLE link transport wired into newLinkTransport; " +
		"plug in a transport.Link implementation backed by the platform's BLE stack")
	os.Exit(1)
	return nil
}
