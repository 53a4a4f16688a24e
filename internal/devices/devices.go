// Package devices is the repository for device profiles persisted under
// local/devices. Each device lives in its own folder, named from its
// manufacturer and model, holding device_config.json and the saved reports.
package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

const configFile = "device_config.json"

// Repository errors.
var (
	ErrNotFound  = errors.New("device not found")
	ErrDuplicate = errors.New("device already exists")
	ErrInvalid   = errors.New("device profile invalid")
)

// Repository loads and persists device profiles.
type Repository struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*models.Device // keyed by normalized MAC
}

// NewRepository creates a repository over the devices directory, creating the
// directory when absent.
func NewRepository(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create devices directory: %w", err)
	}
	r := &Repository{
		dir:     dir,
		logger:  log.With().Str("component", "devices").Logger(),
		devices: make(map[string]*models.Device),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load scans the devices directory and reads every device_config.json.
// Folders without one, or with an unparseable one, are skipped with a
// warning rather than failing the whole repository.
func (r *Repository) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read devices directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), configFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn().Err(err).Str("path", path).Msg("Failed to read device profile")
			}
			continue
		}

		var device models.Device
		if err := json.Unmarshal(data, &device); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse device profile")
			continue
		}
		mac, err := models.NormalizeMAC(device.MACAddr)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Device profile has a bad MAC")
			continue
		}
		device.MACAddr = mac
		r.devices[mac] = &device
	}

	r.logger.Info().Int("count", len(r.devices)).Msg("Device profiles loaded")
	return nil
}

// Get returns the device with the given MAC. Lookup is case-insensitive and
// tolerates dash-separated input.
func (r *Repository) Get(mac string) (*models.Device, error) {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[normalized]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *device
	return &clone, nil
}

// List returns every known device, ordered by folder name.
func (r *Repository) List() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.devices))
	for _, device := range r.devices {
		clone := *device
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder() < out[j].Folder() })
	return out
}

// Save persists a device profile. A new device must not collide with an
// existing MAC or folder name.
func (r *Repository) Save(device *models.Device) error {
	mac, err := models.NormalizeMAC(device.MACAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	device.MACAddr = mac
	if device.Status() != models.DeviceStatusValid {
		return fmt.Errorf("%w: required profile fields missing", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[mac]; !ok {
		for _, other := range r.devices {
			if other.Folder() == device.Folder() {
				return fmt.Errorf("%w: folder %q in use", ErrDuplicate, device.Folder())
			}
		}
	} else if existing.Folder() != device.Folder() {
		// Renames move the folder, reports included.
		oldDir := filepath.Join(r.dir, existing.Folder())
		newDir := filepath.Join(r.dir, device.Folder())
		if err := os.Rename(oldDir, newDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to move device folder: %w", err)
		}
	}

	dir := filepath.Join(r.dir, device.Folder())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create device folder: %w", err)
	}
	data, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode device profile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write device profile: %w", err)
	}

	clone := *device
	r.devices[mac] = &clone
	r.logger.Info().Str("mac", mac).Str("folder", device.Folder()).Msg("Device profile saved")
	return nil
}

// Delete removes a device profile and its folder, reports included. The
// caller must refuse deletion while the device is the target of an active
// session.
func (r *Repository) Delete(mac string) error {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[normalized]
	if !ok {
		return ErrNotFound
	}
	if err := os.RemoveAll(filepath.Join(r.dir, device.Folder())); err != nil {
		return fmt.Errorf("failed to remove device folder: %w", err)
	}
	delete(r.devices, normalized)
	r.logger.Info().Str("mac", normalized).Msg("Device profile deleted")
	return nil
}

// Dir returns the device's on-disk folder.
func (r *Repository) Dir(device *models.Device) string {
	return filepath.Join(r.dir, device.Folder())
}

// ReportsDir returns the device's saved-reports directory.
func (r *Repository) ReportsDir(device *models.Device) string {
	return filepath.Join(r.dir, device.Folder(), "reports")
}

// ReportFolders lists the device's saved report folders, oldest first by
// their parsed timestamps. Folders that do not parse are ignored.
func (r *Repository) ReportFolders(device *models.Device) []string {
	entries, err := os.ReadDir(r.ReportsDir(device))
	if err != nil {
		return nil
	}

	type folder struct {
		name string
		ts   models.Timestamp
	}
	var folders []folder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := models.ParseFolderTimestamp(entry.Name())
		if err != nil {
			continue
		}
		folders = append(folders, folder{entry.Name(), ts})
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].ts.Before(folders[j].ts.Time)
	})

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.name)
	}
	return names
}
