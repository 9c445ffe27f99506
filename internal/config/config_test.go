package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultPopulatesSpecValues(t *testing.T) {
	c := Default([]byte("broadcast-key"))
	if c.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", c.HeartbeatInterval)
	}
	if c.HeartbeatMissThreshold != 3 {
		t.Errorf("HeartbeatMissThreshold = %d, want 3", c.HeartbeatMissThreshold)
	}
	if c.TTLDefault != 8 {
		t.Errorf("TTLDefault = %d, want 8", c.TTLDefault)
	}
	if c.ReplayWindowSize != 100 {
		t.Errorf("ReplayWindowSize = %d, want 100", c.ReplayWindowSize)
	}
	if c.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want 10s", c.AuthTimeout)
	}
	if c.ScanTimeout != 10*time.Second {
		t.Errorf("ScanTimeout = %v, want 10s", c.ScanTimeout)
	}
	if string(c.BroadcastMACKey) != "broadcast-key" {
		t.Errorf("BroadcastMACKey not threaded through")
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	c := Default(nil)
	c.HeartbeatInterval = 5 * time.Second
	c.HeartbeatMissThreshold = 3
	if got, want := c.HeartbeatTimeout(), 15*time.Second; got != want {
		t.Fatalf("HeartbeatTimeout() = %v, want %v", got, want)
	}
}

func TestSetupLoggingWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.log"
	logger, f, err := SetupLogging(path)
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	defer f.Close()

	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain JSON output")
	}
}
