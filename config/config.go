// Package config manages the persisted client configuration and its data
// directory layout.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "crewchat"
	// DefaultProviderURL is the hosted identity/key service endpoint.
	DefaultProviderURL = "https://keys.crewchat.app"
	// DefaultRealtimeURL is the subscription service websocket endpoint.
	DefaultRealtimeURL = "wss://realtime.crewchat.app/v1/stream"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	envDataDir     = "CREWCHAT_DATA_DIR"
	envProviderURL = "CREWCHAT_PROVIDER_URL"
	envRealtimeURL = "CREWCHAT_REALTIME_URL"
)

// ClientConfig contains persistent local-device settings for one messaging
// client installation.
type ClientConfig struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	ProviderURL string `json:"provider_url"`
	RealtimeURL string `json:"realtime_url"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CREWCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
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

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both. A
// .env file in the working directory is loaded first; environment variables
// override the persisted endpoints without being written back.
func LoadOrCreate() (*ClientConfig, string, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		applyEnvOverrides(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig() *ClientConfig {
	deviceName := "CrewChat Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &ClientConfig{
		DeviceID:    uuid.NewString(),
		DeviceName:  deviceName,
		ProviderURL: DefaultProviderURL,
		RealtimeURL: DefaultRealtimeURL,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "CrewChat Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ProviderURL == "" {
		cfg.ProviderURL = DefaultProviderURL
		updated = true
	}

	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = DefaultRealtimeURL
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv(envProviderURL); v != "" {
		cfg.ProviderURL = v
	}
	if v := os.Getenv(envRealtimeURL); v != "" {
		cfg.RealtimeURL = v
	}
}
