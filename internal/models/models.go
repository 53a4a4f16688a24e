// Package models defines the data structures used throughout the Testrun core.
// It contains the device, session phase, test case, report, and module
// descriptor models shared by the orchestrator, runner, and report assembler.
package models

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Phase represents the lifecycle state of the current test session.
type Phase string

// Session phases
const (
	PhaseIdle             Phase = "Idle"
	PhaseStarting         Phase = "Starting"
	PhaseWaitingForDevice Phase = "Waiting for Device"
	PhaseMonitoring       Phase = "Monitoring"
	PhaseValidating       Phase = "Validating"
	PhaseInProgress       Phase = "In Progress"
	PhaseStopping         Phase = "Stopping"
	PhaseCancelled        Phase = "Cancelled"
	PhaseCompliant        Phase = "Compliant"
	PhaseNonCompliant     Phase = "Non-Compliant"
	PhaseComplete         Phase = "Complete"
	PhaseProceed          Phase = "Proceed"
	PhaseDoNotProceed     Phase = "Do Not Proceed"
)

// Terminal reports whether the phase is an end state for a run.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseIdle, PhaseCancelled, PhaseCompliant, PhaseNonCompliant,
		PhaseComplete, PhaseProceed, PhaseDoNotProceed:
		return true
	}
	return false
}

// Active reports whether a run is currently underway. A second start while
// the session is active is a conflict.
func (p Phase) Active() bool {
	return !p.Terminal()
}

// Timestamp formats. Report JSON carries second-resolution timestamps in the
// space-separated form; report folder names use the same instant with a "T"
// separator so the two convert losslessly.
const (
	TimestampFormat       = "2006-01-02 15:04:05"
	FolderTimestampFormat = "2006-01-02T15:04:05"
)

// Timestamp is a time value that marshals to the report JSON format.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to second resolution.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Second)}
}

// MarshalJSON formats the timestamp as "YYYY-MM-DD HH:MM:SS".
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.Format(TimestampFormat) + `"`), nil
}

// UnmarshalJSON parses either the report or the folder timestamp form.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimestampFormat, s)
	if err != nil {
		parsed, err = time.Parse(FolderTimestampFormat, s)
	}
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Folder returns the timestamp in report-folder form.
func (t Timestamp) Folder() string {
	return t.Format(FolderTimestampFormat)
}

// ParseFolderTimestamp parses a report folder name back into a timestamp.
func ParseFolderTimestamp(name string) (Timestamp, error) {
	parsed, err := time.Parse(FolderTimestampFormat, name)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid report folder name %q: %w", name, err)
	}
	return Timestamp{parsed}, nil
}

// Device statuses
const (
	DeviceStatusValid   = "Valid"
	DeviceStatusInvalid = "Invalid"
)

// ModuleOverride is a per-device override for a single test module.
type ModuleOverride struct {
	Enabled *bool                     `json:"enabled,omitempty"`
	Tests   map[string]map[string]any `json:"tests,omitempty"`
}

// ModuleEnabled resolves the override to an effective enable flag, defaulting
// to enabled when the device does not pin the module either way.
func (o ModuleOverride) ModuleEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Device represents a device under test, uniquely identified by its
// normalized MAC address.
type Device struct {
	MACAddr          string                    `json:"mac_addr"`
	Manufacturer     string                    `json:"manufacturer"`
	Model            string                    `json:"model"`
	Type             string                    `json:"type,omitempty"`
	Technology       string                    `json:"technology,omitempty"`
	TestModules      map[string]ModuleOverride `json:"test_modules,omitempty"`
	TestPack         string                    `json:"test_pack,omitempty"`
	MaxDeviceReports int                       `json:"max_device_reports,omitempty"`
	Firmware         string                    `json:"firmware,omitempty"`
}

// Folder derives the device's on-disk folder name from manufacturer and model.
func (d *Device) Folder() string {
	return d.Manufacturer + " " + d.Model
}

// Status returns Valid when the required profile fields are present.
func (d *Device) Status() string {
	if d.MACAddr == "" || d.Manufacturer == "" || d.Model == "" {
		return DeviceStatusInvalid
	}
	if _, err := NormalizeMAC(d.MACAddr); err != nil {
		return DeviceStatusInvalid
	}
	return DeviceStatusValid
}

// ModuleEnabled reports whether a test module is enabled for this device, by
// the module's internal name. A nil map means no selection was made and every
// module runs; a present map selects exactly the modules it lists, so an
// empty map runs nothing.
func (d *Device) ModuleEnabled(name string) bool {
	if d.TestModules == nil {
		return true
	}
	override, ok := d.TestModules[name]
	if !ok {
		return false
	}
	return override.ModuleEnabled()
}

// NormalizeMAC canonicalises a MAC address to lowercase colon-separated form.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q: not 48-bit", mac)
	}
	return strings.ToLower(hw.String()), nil
}

// MACForPath strips the colons from a normalized MAC for use in file paths.
func MACForPath(mac string) string {
	return strings.ReplaceAll(mac, ":", "")
}

// ModuleReport is the markdown report emitted by one test module.
type ModuleReport struct {
	Module   string `json:"module"`
	Markdown string `json:"markdown"`
}

// TestsSummary aggregates test counts for a report.
type TestsSummary struct {
	Total   int         `json:"total"`
	Results []*TestCase `json:"results"`
}

// Report is the immutable record of a completed (or aborted) test run.
type Report struct {
	Device        Device          `json:"device"`
	Status        string          `json:"status"`
	Started       Timestamp       `json:"started"`
	Finished      Timestamp       `json:"finished"`
	Tests         TestsSummary    `json:"tests"`
	ModuleReports []ModuleReport  `json:"module_reports,omitempty"`
	ReportURL     string          `json:"report,omitempty"`
	Interfaces    []InterfaceInfo `json:"interfaces,omitempty"`
	Certs         []Certificate   `json:"root_certs,omitempty"`
}

// InterfaceInfo describes one usable Ethernet NIC on the host.
type InterfaceInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip,omitempty"`
	MAC  string `json:"mac,omitempty"`
}

// Certificate is derived solely from a trusted CA PEM file on disk.
type Certificate struct {
	Name         string    `json:"name"`
	Organisation string    `json:"organisation"`
	Filename     string    `json:"filename"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}
