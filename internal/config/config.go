// Package config manages the Testrun system configuration.
// It loads and validates local/system.json, provides defaults for all
// settings, snapshots the active configuration into the runtime directory at
// run start, and implements thread-safe access to configuration values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Defaults applied when system.json omits a setting.
const (
	DefaultStartupTimeout = 60
	DefaultMonitorPeriod  = 30
	DefaultAPIPort        = 8000
	DefaultLogLevel       = "info"
)

// NetworkConfig names the two host NICs handed to the fabric.
type NetworkConfig struct {
	DeviceIntf   string `json:"device_intf"`
	InternetIntf string `json:"internet_intf"`
}

// Config represents the system configuration persisted in local/system.json.
type Config struct {
	Network          NetworkConfig `json:"network"`
	LogLevel         string        `json:"log_level,omitempty"`
	StartupTimeout   int           `json:"startup_timeout,omitempty"`
	MonitorPeriod    int           `json:"monitor_period,omitempty"`
	MaxDeviceReports int           `json:"max_device_reports,omitempty"`
	APIURL           string        `json:"api_url,omitempty"`
	APIPort          int           `json:"api_port,omitempty"`
	OrgName          string        `json:"org_name,omitempty"`
	SingleIntf       bool          `json:"single_intf,omitempty"`
	ModulesDir       string        `json:"modules_dir,omitempty"`

	root    string
	watcher *fsnotify.Watcher
	mu      sync.RWMutex
}

// Load reads the system configuration rooted at dir. A missing system.json is
// not an error; defaults apply and the file is created on the first save.
func Load(root string) (*Config, error) {
	cfg := &Config{root: root}
	cfg.setDefaults()

	path := cfg.SystemPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("No system configuration found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read system configuration: %w", err)
	}

	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse system configuration: %w", err)
	}

	log.Info().Str("path", path).Msg("System configuration loaded")
	return cfg, nil
}

// decode parses system.json over the current settings and applies defaults.
func (c *Config) decode(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.setDefaults()
	// encoding/json cannot tell an explicit zero from an absent key, and an
	// explicit startup_timeout of zero means a run cancels the moment the
	// device appears without a lease. Restore it after the defaults pass.
	if res := gjson.GetBytes(data, "startup_timeout"); res.Exists() {
		c.StartupTimeout = int(res.Int())
	}
	return nil
}

// setDefaults fills zero-valued settings with their defaults.
func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.MonitorPeriod == 0 {
		c.MonitorPeriod = DefaultMonitorPeriod
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.ModulesDir == "" {
		c.ModulesDir = filepath.Join(c.root, "modules")
	}
}

// Validate checks that a run can be started with this configuration.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Network.DeviceIntf == "" {
		return errors.New("network.device_intf is required")
	}
	if c.Network.InternetIntf == "" && !c.SingleIntf {
		return errors.New("network.internet_intf is required unless single_intf is set")
	}
	if c.StartupTimeout < 0 {
		return fmt.Errorf("invalid startup_timeout: %d", c.StartupTimeout)
	}
	if c.MonitorPeriod <= 0 {
		return fmt.Errorf("invalid monitor_period: %d", c.MonitorPeriod)
	}
	if c.MaxDeviceReports < 0 {
		return fmt.Errorf("invalid max_device_reports: %d", c.MaxDeviceReports)
	}
	return nil
}

// Save writes the configuration back to local/system.json.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(c.LocalDir(), 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(c.SystemPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// Snapshot copies the active configuration into runtime/conf/system.json so a
// run carries the exact settings it started with.
func (c *Config) Snapshot() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Join(c.RuntimeDir(), "conf")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create runtime conf directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "system.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration snapshot: %w", err)
	}
	return nil
}

// Reload re-reads system.json in place.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.SystemPath())
	if err != nil {
		return fmt.Errorf("failed to read system configuration: %w", err)
	}
	if err := c.decode(data); err != nil {
		return fmt.Errorf("failed to parse system configuration: %w", err)
	}
	return nil
}

// Watch reloads the configuration whenever system.json changes on disk. The
// busy callback suppresses reloads while a run is in flight.
func (c *Config) Watch(busy func() bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(c.LocalDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.LocalDir(), err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "system.json" {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if busy != nil && busy() {
					log.Debug().Msg("Configuration changed during a run, reload deferred")
					continue
				}
				if err := c.Reload(); err != nil {
					log.Error().Err(err).Msg("Failed to reload configuration")
					continue
				}
				log.Info().Msg("System configuration reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Config watcher error")
			}
		}
	}()

	return nil
}

// Close stops the config watcher if one is running.
func (c *Config) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Root returns the base directory the daemon operates under.
func (c *Config) Root() string { return c.root }

// LocalDir returns the persistent data directory.
func (c *Config) LocalDir() string { return filepath.Join(c.root, "local") }

// SystemPath returns the path of the persisted system configuration.
func (c *Config) SystemPath() string { return filepath.Join(c.LocalDir(), "system.json") }

// DevicesDir returns the directory holding per-device folders.
func (c *Config) DevicesDir() string { return filepath.Join(c.LocalDir(), "devices") }

// RootCertsDir returns the trusted CA certificate directory.
func (c *Config) RootCertsDir() string { return filepath.Join(c.LocalDir(), "root_certs") }

// TestPacksDir returns the directory holding test pack definitions.
func (c *Config) TestPacksDir() string { return filepath.Join(c.LocalDir(), "testpacks") }

// HistoryPath returns the run-history database path.
func (c *Config) HistoryPath() string { return filepath.Join(c.LocalDir(), "testrun.db") }

// RuntimeDir returns the per-run scratch directory.
func (c *Config) RuntimeDir() string { return filepath.Join(c.root, "runtime") }

// RuntimeNetworkDir returns the shared network artefact directory for a run.
func (c *Config) RuntimeNetworkDir() string { return filepath.Join(c.RuntimeDir(), "network") }

// RuntimeTestDir returns the per-device test directory for a run. The MAC is
// stored without colons.
func (c *Config) RuntimeTestDir(macNoColons string) string {
	return filepath.Join(c.RuntimeDir(), "test", macNoColons)
}
