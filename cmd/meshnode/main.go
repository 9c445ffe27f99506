// Command meshnode runs the leaf/relay role of the mesh: it selects and
// re-selects an uplink toward the Sink, forwards traffic on behalf of
// its own downlinks, and originates its own DATA messages end-to-end
// encrypted to the Sink. Grounded on cmd/tor-client/main.go's startup
// shape: set up logging, construct the daemon, install signal handling,
// run until shutdown.
package main

import (
	"context"
	"crypto/x509"
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
	certPath     = "node-cert.pem"
	keyPath      = "node-key.pem"
	caPath       = "ca-cert.pem"
	sinkCertPath = "sink-cert.pem"
	logPath      = "meshnode-debug.log"
)

func main() {
	logger, logFile, err := config.SetupLogging(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	id, err := loadIdentity(certPath, keyPath, caPath)
	if err != nil {
		logger.Error("load identity", "error", err)
		os.Exit(1)
	}
	if id.IsSink {
		logger.Error("meshnode: certificate at " + certPath + " is OU=Sink, not a Node")
		os.Exit(1)
	}

	sinkPin, err := loadSinkPin(sinkCertPath, id.CACert)
	if err != nil {
		logger.Error("load sink pin", "error", err)
		os.Exit(1)
	}

	cfg := config.Default(loadBroadcastMACKey())
	link := newLinkTransport(logger)
	node := device.NewNode(id, sinkPin, link, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("meshnode: shutting down")
		cancel()
	}()

	ctrl := &control.Server{Addr: cfg.ControlListenAddress, Device: node, Logger: logger}
	go func() {
		if err := ctrl.ListenAndServe(); err != nil {
			logger.Debug("meshnode: control server stopped", "error", err)
		}
	}()
	defer func() { _ = ctrl.Close() }()

	logger.Info("meshnode: running", "nid", id.NID.String(), "control_addr", cfg.ControlListenAddress)
	node.Run(ctx)
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

func loadSinkPin(sinkCertPath string, ca *x509.Certificate) (identity.SinkPin, error) {
	sinkCertPEM, err := os.ReadFile(sinkCertPath)
	if err != nil {
		return identity.SinkPin{}, fmt.Errorf("read %s: %w", sinkCertPath, err)
	}
	return identity.LoadSinkPin(sinkCertPEM, ca)
}

func loadBroadcastMACKey() []byte {
	key, err := os.ReadFile("broadcast-mac.key")
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: read broadcast-mac.key: %v\n", err)
		os.Exit(1)
	}
	return key
}
