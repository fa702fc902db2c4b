package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(id) != 32 || strings.Contains(id, "-") {
		t.Errorf("id %q should be 32 hex digits without separators", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestDeviceID_FallsBackToInstanceID(t *testing.T) {
	dir := t.TempDir()

	id, err := DeviceID("no-such-iface0", dir)
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	want, _ := LoadOrCreateInstanceID(dir)
	if id != want {
		t.Errorf("DeviceID() = %q, want persisted instance id %q", id, want)
	}
}

func TestHostname(t *testing.T) {
	if got := Hostname("tunesyncmq", "B827EB12AB34"); got != "tunesyncmq-b827eb12ab34" {
		t.Errorf("Hostname() = %q", got)
	}
}
