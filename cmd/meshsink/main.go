// Command meshsink runs the gateway role of the mesh: the one device
// with hop_count fixed at -1, no uplink slot, and the private key that
// decrypts every Node's DATA traffic. Grounded on cmd/tor-client/main.go's
// startup shape: set up logging, construct the daemon, install signal
// handling, run until shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshtree/beacon/device"
	"github.com/meshtree/beacon/internal/config"
	"github.com/meshtree/beacon/internal/control"
	"github.com/meshtree/beacon/internal/identity"
)

const (
	certPath = "sink-cert.pem"
	keyPath  = "sink-key.pem"
	caPath   = "ca-cert.pem"
	logPath  = "meshsink-debug.log"
)

func main() {
	logger, logFile, err := config.SetupLogging(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsink: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	id, err := loadIdentity(certPath, keyPath, caPath)
	if err != nil {
		logger.Error("load identity", "error", err)
		os.Exit(1)
	}
	if !id.IsSink {
		logger.Error("meshsink: certificate at " + certPath + " is not OU=Sink")
		os.Exit(1)
	}

	cfg := config.Default(loadBroadcastMACKey())
	link := newLinkTransport(logger)
	sink := device.NewSink(id, link, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("meshsink: shutting down")
		cancel()
	}()

	ctrl := &control.Server{Addr: cfg.ControlListenAddress, Device: sink, Logger: logger}
	go func() {
		if err := ctrl.ListenAndServe(); err != nil {
			logger.Debug("meshsink: control server stopped", "error", err)
		}
	}()
	defer func() { _ = ctrl.Close() }()

	logger.Info("meshsink: running", "nid", id.NID.String(), "control_addr", cfg.ControlListenAddress)
	sink.Run(ctx)
}

func loadIdentity(certPath, keyPath, caPath string) (*identity.Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", keyPath, err)
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", caPath, err)
	}
	return identity.Load(certPEM, keyPEM, caPEM)
}

func loadBroadcastMACKey() []byte {
	key, err := os.ReadFile("broadcast-mac.key")
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsink: read broadcast-mac.key: %v\n", err)
		os.Exit(1)
	}
	return key
}
