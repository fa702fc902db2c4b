package mqtt

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceID returns a stable hardware identifier for this unit: the hex
// encoded MAC address of iface when it has one, otherwise a random
// identifier generated once and persisted in dataDir.
func DeviceID(iface, dataDir string) (string, error) {
	if ifi, err := net.InterfaceByName(iface); err == nil && len(ifi.HardwareAddr) > 0 {
		return hex.EncodeToString(ifi.HardwareAddr), nil
	}
	return LoadOrCreateInstanceID(dataDir)
}

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The returned ID is lower-case hex without separators so it can be
// used as a hostname label.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := strings.ReplaceAll(id.String(), "-", "")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// Hostname joins the configured prefix and the device identifier, e.g.
// "tunesyncmq-b827eb12ab34". It doubles as the MQTT client ID, so
// reconnects present the same identity to the broker.
func Hostname(prefix, deviceID string) string {
	return prefix + "-" + strings.ToLower(deviceID)
}
