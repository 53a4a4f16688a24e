package models

import "fmt"

// Fixed subnets for the virtual fabric. Each attached container derives its
// addresses and MAC from its ip_index within these.
const (
	IPv4Subnet = "10.10.10.0/24"
	IPv6Subnet = "fd10:77be:4186::/64"

	// TestModuleIPIndex is the shared ip_index used by every test-module
	// container; test modules run one at a time so the slot never collides.
	TestModuleIPIndex = 9

	// DefaultModuleTimeout is the per-module wall-clock limit in seconds
	// when a manifest does not set one.
	DefaultModuleTimeout = 60
)

// IPv4ForIndex returns the fabric IPv4 address for an ip_index.
func IPv4ForIndex(index int) string {
	return fmt.Sprintf("10.10.10.%d", index)
}

// IPv6ForIndex returns the fabric IPv6 address for an ip_index.
func IPv6ForIndex(index int) string {
	return fmt.Sprintf("fd10:77be:4186::%x", index)
}

// MACForIndex returns the deterministic MAC assigned to an ip_index.
func MACForIndex(index int) string {
	return fmt.Sprintf("9a:02:57:1e:8f:%02x", index)
}

// TestModule describes one containerised test module discovered from its
// on-disk manifest.
type TestModule struct {
	Name            string      `json:"name"`
	DisplayName     string      `json:"display_name"`
	Description     string      `json:"description,omitempty"`
	Enabled         bool        `json:"enabled"`
	NetworkRequired bool        `json:"network"`
	EnableContainer bool        `json:"enable_container"`
	Image           string      `json:"image"`
	ContainerName   string      `json:"container_name"`
	Dir             string      `json:"-"`
	DependsOn       string      `json:"depends_on,omitempty"`
	Timeout         int         `json:"timeout"`
	LogLevel        string      `json:"log_level,omitempty"`
	Tests           []*TestCase `json:"tests"`
}

// DeclaredCases returns fresh copies of the module's declared test cases so a
// run never mutates the descriptor.
func (m *TestModule) DeclaredCases() []*TestCase {
	cases := make([]*TestCase, 0, len(m.Tests))
	for _, tc := range m.Tests {
		clone := *tc
		cases = append(cases, &clone)
	}
	return cases
}

// NetworkModule describes one containerised network service attached to the
// fabric.
type NetworkModule struct {
	Name            string `json:"name"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description,omitempty"`
	Enabled         bool   `json:"enabled"`
	EnableContainer bool   `json:"enable_container"`
	Template        bool   `json:"template,omitempty"`
	Host            bool   `json:"host,omitempty"`
	EnableWAN       bool   `json:"enable_wan,omitempty"`
	IPIndex         int    `json:"ip_index"`
	Image           string `json:"image"`
	ContainerName   string `json:"container_name"`
	Dir             string `json:"-"`
	DependsOn       string `json:"depends_on,omitempty"`
}

// IPv4 returns the module's fabric IPv4 address.
func (m *NetworkModule) IPv4() string { return IPv4ForIndex(m.IPIndex) }

// IPv6 returns the module's fabric IPv6 address.
func (m *NetworkModule) IPv6() string { return IPv6ForIndex(m.IPIndex) }

// MAC returns the module's deterministic fabric MAC.
func (m *NetworkModule) MAC() string { return MACForIndex(m.IPIndex) }
