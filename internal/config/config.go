// Package config handles conductor configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/conductor/config.yaml, /etc/conductor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conductor", "config.yaml"))
	}

	paths = append(paths, "/etc/conductor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Radio driver names accepted by WiFiConfig.Driver.
const (
	DriverNetworkManager = "networkmanager"
	DriverSimulated      = "simulated"
)

// Config holds all conductor configuration.
type Config struct {
	DataDir        string             `yaml:"data_dir"`
	LogLevel       string             `yaml:"log_level"`
	LogFormat      string             `yaml:"log_format"`
	PollIntervalMs int                `yaml:"poll_interval_ms"`
	Device         DeviceConfig       `yaml:"device"`
	WiFi           WiFiConfig         `yaml:"wifi"`
	Provisioning   ProvisioningConfig `yaml:"provisioning"`
	Listen         ListenConfig       `yaml:"listen"`
	MQTT           MQTTConfig         `yaml:"mqtt"`
	OTA            OTAConfig          `yaml:"ota"`
	Settings       SettingsConfig     `yaml:"settings"`
}

// DeviceConfig identifies this unit on the network.
type DeviceConfig struct {
	// NamePrefix is joined with the hardware identifier to form the
	// hostname and MQTT client ID (e.g. "tunesyncmq-b827eb12ab34").
	NamePrefix string `yaml:"name_prefix"`
	// MDNSName is advertised as <name>.local once the link is up.
	MDNSName string `yaml:"mdns_name"`
	// Interface is the wireless interface whose hardware address seeds
	// the device identifier.
	Interface string `yaml:"interface"`
}

// WiFiConfig selects the radio driver and the association timeout.
type WiFiConfig struct {
	Driver            string `yaml:"driver"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	// SimulatedDelayMs is how long the simulated radio takes to
	// associate. Only used with the simulated driver.
	SimulatedDelayMs int `yaml:"simulated_delay_ms"`
}

// ProvisioningConfig controls the interactive credential capture mode
// entered when no credentials are stored or association times out.
type ProvisioningConfig struct {
	Listen     string `yaml:"listen"`
	APSSID     string `yaml:"ap_ssid"`
	APPassword string `yaml:"ap_password"`
}

// ListenConfig defines the control-plane server settings.
type ListenConfig struct {
	Address        string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// MQTTConfig defines the broker session settings.
type MQTTConfig struct {
	Broker               string `yaml:"broker"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	CommandTopic         string `yaml:"command_topic"`
	AnnounceTopic        string `yaml:"announce_topic"`
	AlbumArtTopic        string `yaml:"album_art_topic"`
	PlaybackTopic        string `yaml:"playback_topic"`
	KeepAliveSec         int    `yaml:"keepalive_sec"`
	ReconnectCooldownSec int    `yaml:"reconnect_cooldown_sec"`
	// MaxBatch caps how many inbound messages one poll dispatches.
	MaxBatch int `yaml:"max_batch"`
}

// Configured reports whether a broker URL has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// OTAConfig defines the update listener and the optional release source.
type OTAConfig struct {
	Port int `yaml:"port"`
	// PasswordHash is a bcrypt hash. Empty disables authentication.
	PasswordHash string        `yaml:"password_hash"`
	StagingDir   string        `yaml:"staging_dir"`
	Release      ReleaseConfig `yaml:"release"`
}

// ReleaseConfig points the release puller at a GitHub repository.
type ReleaseConfig struct {
	Repo  string `yaml:"repo"` // owner/name
	Asset string `yaml:"asset"`
	Token string `yaml:"token"`
}

// Configured reports whether a release repository has been set.
func (c ReleaseConfig) Configured() bool {
	return c.Repo != "" && c.Asset != ""
}

// SettingsConfig lists additional named options the control plane may
// write through POST /api/settings.
type SettingsConfig struct {
	Options []string `yaml:"options"`
}

// Load reads configuration from a YAML file, applies defaults for unset
// fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 10
	}
	if c.Device.NamePrefix == "" {
		c.Device.NamePrefix = "tunesyncmq"
	}
	if c.Device.MDNSName == "" {
		c.Device.MDNSName = "conductor"
	}
	if c.Device.Interface == "" {
		c.Device.Interface = "wlan0"
	}
	if c.WiFi.Driver == "" {
		c.WiFi.Driver = DriverNetworkManager
	}
	if c.WiFi.ConnectTimeoutSec <= 0 {
		c.WiFi.ConnectTimeoutSec = 30
	}
	if c.WiFi.SimulatedDelayMs <= 0 {
		c.WiFi.SimulatedDelayMs = 1500
	}
	if c.Provisioning.Listen == "" {
		c.Provisioning.Listen = ":8081"
	}
	if c.Provisioning.APSSID == "" {
		c.Provisioning.APSSID = c.Device.MDNSName + "-setup"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 80
	}
	if c.Listen.MaxConnections <= 0 {
		c.Listen.MaxConnections = 16
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = "tunesyncmq/command"
	}
	if c.MQTT.AnnounceTopic == "" {
		c.MQTT.AnnounceTopic = "tunesyncmq/controllers"
	}
	if c.MQTT.AlbumArtTopic == "" {
		c.MQTT.AlbumArtTopic = "tunesyncmq/albumart"
	}
	if c.MQTT.PlaybackTopic == "" {
		c.MQTT.PlaybackTopic = "tunesyncmq/playback"
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ReconnectCooldownSec <= 0 {
		c.MQTT.ReconnectCooldownSec = 5
	}
	if c.MQTT.MaxBatch <= 0 {
		c.MQTT.MaxBatch = 16
	}
	if c.OTA.Port == 0 {
		c.OTA.Port = 3232
	}
	if c.OTA.StagingDir == "" {
		c.OTA.StagingDir = filepath.Join(c.DataDir, "updates")
	}
}

// Validate checks field values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.WiFi.Driver {
	case DriverNetworkManager, DriverSimulated:
	default:
		return fmt.Errorf("unknown wifi.driver %q (valid: %s, %s)", c.WiFi.Driver, DriverNetworkManager, DriverSimulated)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.OTA.Port < 0 || c.OTA.Port > 65535 {
		return fmt.Errorf("ota.port %d out of range", c.OTA.Port)
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("parse mqtt.broker: %w", err)
		}
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "tls":
		default:
			return fmt.Errorf("mqtt.broker scheme %q not supported (use mqtt:// or mqtts://)", u.Scheme)
		}
	}
	if c.OTA.Release.Repo != "" && !strings.Contains(c.OTA.Release.Repo, "/") {
		return fmt.Errorf("ota.release.repo %q must be owner/name", c.OTA.Release.Repo)
	}
	if c.OTA.PasswordHash != "" && !strings.HasPrefix(c.OTA.PasswordHash, "$2") {
		return fmt.Errorf("ota.password_hash must be a bcrypt hash")
	}
	return nil
}
