package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "castlink"
	// DefaultDiscoveryPort is the UDP port beacons and listeners share.
	DefaultDiscoveryPort = 6790
	// DefaultTransportPort is the TCP port the acceptor binds.
	DefaultTransportPort = 6791
	// DefaultBroadcastAddress is the PRESENCE beacon target.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultBeaconIntervalMs is the beacon period.
	DefaultBeaconIntervalMs = 5000
	// DefaultAcceptTimeoutMs bounds how long the acceptor waits for the
	// requesting device to connect.
	DefaultAcceptTimeoutMs = 30000
	// DefaultPollIntervalMs is the transport read-deadline tick.
	DefaultPollIntervalMs = 10
	// DefaultCaptureFPS is the screen capture rate when streaming.
	DefaultCaptureFPS = 10
	// DefaultJPEGQuality is the encoder quality for captured frames.
	DefaultJPEGQuality = 70
	// DefaultCaptureScale downsizes captured frames before encoding.
	DefaultCaptureScale = 0.5
	// configFileName is the persisted configuration file.
	configFileName    = "config.json"
	defaultDeviceName = "castlink device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	DiscoveryPort    int    `json:"discovery_port"`
	TransportPort    int    `json:"transport_port"`
	BindAddress      string `json:"bind_address"`
	BroadcastAddress string `json:"broadcast_address"`
	BeaconIntervalMs int    `json:"beacon_interval_ms"`
	AcceptTimeoutMs  int    `json:"accept_timeout_ms"`
	PollIntervalMs   int    `json:"poll_interval_ms"`
	MDNSEnabled      bool   `json:"mdns_enabled"`
	MetricsAddress   string `json:"metrics_address,omitempty"`

	// ScreenWidth and ScreenHeight override the detected display geometry.
	// Zero means detect.
	ScreenWidth   int32   `json:"screen_width,omitempty"`
	ScreenHeight  int32   `json:"screen_height,omitempty"`
	ScreenDensity float32 `json:"screen_density,omitempty"`
	DisplayIndex  int     `json:"display_index"`
	CaptureFPS    int     `json:"capture_fps"`
	JPEGQuality   int     `json:"jpeg_quality"`
	CaptureScale  float64 `json:"capture_scale"`
}

// BeaconInterval returns the beacon period as a duration.
func (c *DeviceConfig) BeaconInterval() time.Duration {
	return time.Duration(c.BeaconIntervalMs) * time.Millisecond
}

// AcceptTimeout returns the acceptor deadline as a duration.
func (c *DeviceConfig) AcceptTimeout() time.Duration {
	return time.Duration(c.AcceptTimeoutMs) * time.Millisecond
}

// PollInterval returns the transport read-deadline tick as a duration.
func (c *DeviceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Validate reports settings that cannot be used to start a device.
func (c *DeviceConfig) Validate() error {
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	}
	if c.TransportPort <= 0 || c.TransportPort > 65535 {
		return fmt.Errorf("invalid transport port %d", c.TransportPort)
	}
	if c.BindAddress != "" && net.ParseIP(c.BindAddress) == nil {
		return fmt.Errorf("invalid bind address %q", c.BindAddress)
	}
	if ip := net.ParseIP(c.BroadcastAddress); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid broadcast address %q", c.BroadcastAddress)
	}
	if (c.ScreenWidth == 0) != (c.ScreenHeight == 0) {
		return errors.New("screen override needs both width and height")
	}
	if c.ScreenWidth < 0 || c.ScreenHeight < 0 {
		return fmt.Errorf("invalid screen override %dx%d", c.ScreenWidth, c.ScreenHeight)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CASTLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CASTLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FramesDir returns the directory received frames are recorded into.
func FramesDir(dataDir string) string {
	return filepath.Join(dataDir, "frames")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		FramesDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:         uuid.NewString(),
		DeviceName:       hostDeviceName(),
		DiscoveryPort:    DefaultDiscoveryPort,
		TransportPort:    DefaultTransportPort,
		BroadcastAddress: DefaultBroadcastAddress,
		BeaconIntervalMs: DefaultBeaconIntervalMs,
		AcceptTimeoutMs:  DefaultAcceptTimeoutMs,
		PollIntervalMs:   DefaultPollIntervalMs,
		CaptureFPS:       DefaultCaptureFPS,
		JPEGQuality:      DefaultJPEGQuality,
		CaptureScale:     DefaultCaptureScale,
	}
}

// normalizeDefaults fills zero or out-of-range values and reports whether
// anything changed.
func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false
	setInt := func(v *int, ok bool, def int) {
		if !ok {
			*v = def
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
		updated = true
	}

	setInt(&cfg.DiscoveryPort, cfg.DiscoveryPort > 0 && cfg.DiscoveryPort <= 65535, DefaultDiscoveryPort)
	setInt(&cfg.TransportPort, cfg.TransportPort > 0 && cfg.TransportPort <= 65535, DefaultTransportPort)
	setInt(&cfg.BeaconIntervalMs, cfg.BeaconIntervalMs > 0, DefaultBeaconIntervalMs)
	setInt(&cfg.AcceptTimeoutMs, cfg.AcceptTimeoutMs > 0, DefaultAcceptTimeoutMs)
	setInt(&cfg.PollIntervalMs, cfg.PollIntervalMs > 0, DefaultPollIntervalMs)
	setInt(&cfg.CaptureFPS, cfg.CaptureFPS > 0, DefaultCaptureFPS)
	setInt(&cfg.JPEGQuality, cfg.JPEGQuality >= 1 && cfg.JPEGQuality <= 100, DefaultJPEGQuality)
	setInt(&cfg.DisplayIndex, cfg.DisplayIndex >= 0, 0)

	if cfg.CaptureScale <= 0 || cfg.CaptureScale > 1 {
		cfg.CaptureScale = DefaultCaptureScale
		updated = true
	}

	return updated
}
