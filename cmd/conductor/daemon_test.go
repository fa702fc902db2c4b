package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/config"
	"github.com/csetera/TuneSyncMQ/internal/connectivity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WiFi.Driver = config.DriverSimulated
	cfg.Device.Interface = "conductor-test0"
	cfg.Provisioning.Listen = "127.0.0.1:0"
	return cfg
}

// A corrupt settings database must not keep the daemon from starting;
// without readable credentials it opens the provisioning portal.
func TestNewDaemon_SettingsStoreUnavailable(t *testing.T) {
	cfg := testConfig(t)
	garbage := bytes.Repeat([]byte("not a sqlite database "), 64)
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "settings.db"), garbage, 0o600); err != nil {
		t.Fatalf("write settings.db: %v", err)
	}

	var out syncBuffer
	d, err := newDaemon(cfg, &out)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	d.orchestrator.Poll(time.Now())

	snap := d.orchestrator.Snapshot()
	if snap == nil || snap.State != connectivity.StateProvisioningWait {
		t.Fatalf("snapshot = %+v, want ProvisioningWait", snap)
	}
	if !strings.Contains(out.String(), "settings store unavailable") {
		t.Errorf("log output missing store failure:\n%s", out.String())
	}
	if _, _, err := d.store.Credentials(); err == nil {
		t.Error("Credentials() on a broken store returned no error")
	}
}
