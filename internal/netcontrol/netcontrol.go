// Package netcontrol provides the interface-control layer of the Testrun
// core. It wraps the OS facilities the orchestrator needs: Open vSwitch
// bridges and OpenFlow rules, veth pairs, network namespaces, NIC enumeration,
// and reachability probes. All operations surface their captured output and
// never interpolate user input into command strings.
package netcontrol

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// Names owned by Testrun on the host. Everything carrying the tr prefix is
// wiped by CleanAll on startup to recover from prior crashes.
const (
	DeviceBridge   = "tr-d"
	InternetBridge = "tr-c"
	OwnedPrefix    = "tr"
	NetnsPrefix    = "tr-ctns-"

	netnsRunDir = "/var/run/netns"
)

// execTimeout bounds every wrapped subprocess.
const execTimeout = 30 * time.Second

// runCommand executes a host command and returns its combined output. Tests
// replace it to fake ovs-vsctl / ip / ethtool.
var runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Control is the stateless interface-control handle.
type Control struct {
	logger zerolog.Logger
}

// New creates a new interface control handle.
func New() *Control {
	return &Control{
		logger: log.With().Str("component", "netcontrol").Logger(),
	}
}

// run executes one wrapped command, logging output on failure.
func (c *Control) run(name string, args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	out, err := runCommand(ctx, name, args...)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("command", name+" "+strings.Join(args, " ")).
			Str("output", out).
			Msg("Command failed")
		return out, false
	}
	return out, true
}

// BridgeAdd creates an OVS bridge if it does not already exist.
func (c *Control) BridgeAdd(bridge string) bool {
	_, ok := c.run("ovs-vsctl", "--may-exist", "add-br", bridge)
	return ok
}

// BridgeDelete removes an OVS bridge if it exists.
func (c *Control) BridgeDelete(bridge string) bool {
	_, ok := c.run("ovs-vsctl", "--if-exists", "del-br", bridge)
	return ok
}

// PortAdd attaches a port to an OVS bridge.
func (c *Control) PortAdd(bridge, port string) bool {
	_, ok := c.run("ovs-vsctl", "--may-exist", "add-port", bridge, port)
	return ok
}

// PortDelete detaches a port from an OVS bridge.
func (c *Control) PortDelete(bridge, port string) bool {
	_, ok := c.run("ovs-vsctl", "--if-exists", "del-port", bridge, port)
	return ok
}

// PortBridge returns the bridge a port belongs to, if any.
func (c *Control) PortBridge(port string) (string, bool) {
	return c.run("ovs-vsctl", "port-to-br", port)
}

// BridgePorts lists the ports attached to a bridge.
func (c *Control) BridgePorts(bridge string) ([]string, bool) {
	out, ok := c.run("ovs-vsctl", "list-ports", bridge)
	if !ok {
		return nil, false
	}
	if out == "" {
		return nil, true
	}
	return strings.Split(out, "\n"), true
}

// FlowAdd installs an OpenFlow rule on a bridge.
func (c *Control) FlowAdd(bridge, flow string) bool {
	_, ok := c.run("ovs-ofctl", "add-flow", bridge, flow)
	return ok
}

// FlowsDelete removes all OpenFlow rules from a bridge.
func (c *Control) FlowsDelete(bridge string) bool {
	_, ok := c.run("ovs-ofctl", "del-flows", bridge)
	return ok
}

// VethAdd creates a veth pair.
func (c *Control) VethAdd(name, peer string) bool {
	_, ok := c.run("ip", "link", "add", name, "type", "veth", "peer", "name", peer)
	return ok
}

// VethDelete removes a veth link. Deleting one end removes the pair.
func (c *Control) VethDelete(name string) bool {
	_, ok := c.run("ip", "link", "del", name)
	return ok
}

// LinkExists reports whether a link is present on the host.
func (c *Control) LinkExists(name string) bool {
	_, ok := c.run("ip", "link", "show", name)
	return ok
}

// SetNetns moves a link into a network namespace.
func (c *Control) SetNetns(iface, ns string) bool {
	_, ok := c.run("ip", "link", "set", iface, "netns", ns)
	return ok
}

// RenameInNetns renames a link inside a namespace.
func (c *Control) RenameInNetns(ns, old, new string) bool {
	_, ok := c.run("ip", "netns", "exec", ns, "ip", "link", "set", old, "name", new)
	return ok
}

// SetMACInNetns assigns a MAC to a link inside a namespace.
func (c *Control) SetMACInNetns(ns, iface, mac string) bool {
	_, ok := c.run("ip", "netns", "exec", ns, "ip", "link", "set", iface, "address", mac)
	return ok
}

// AddrAddInNetns assigns an address with prefix to a link inside a namespace.
func (c *Control) AddrAddInNetns(ns, iface, cidr string) bool {
	_, ok := c.run("ip", "netns", "exec", ns, "ip", "addr", "add", cidr, "dev", iface)
	return ok
}

// SetUpInNetns brings a link up inside a namespace.
func (c *Control) SetUpInNetns(ns, iface string) bool {
	_, ok := c.run("ip", "netns", "exec", ns, "ip", "link", "set", iface, "up")
	return ok
}

// SetUp brings a host link up.
func (c *Control) SetUp(iface string) bool {
	_, ok := c.run("ip", "link", "set", iface, "up")
	return ok
}

// SetDown brings a host link down.
func (c *Control) SetDown(iface string) bool {
	_, ok := c.run("ip", "link", "set", iface, "down")
	return ok
}

// FlushIP removes all addresses from a host link.
func (c *Control) FlushIP(iface string) bool {
	_, ok := c.run("ip", "addr", "flush", "dev", iface)
	return ok
}

// NetnsAdd creates a named network namespace.
func (c *Control) NetnsAdd(ns string) bool {
	_, ok := c.run("ip", "netns", "add", ns)
	return ok
}

// NetnsDelete removes a named network namespace.
func (c *Control) NetnsDelete(ns string) bool {
	_, ok := c.run("ip", "netns", "del", ns)
	return ok
}

// NetnsList returns the named network namespaces on the host.
func (c *Control) NetnsList() []string {
	out, ok := c.run("ip", "netns", "list")
	if !ok || out == "" {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		// Lines look like "tr-ctns-dhcp-1 (id: 3)".
		fields := strings.Fields(line)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names
}

// LinkList returns the link names on the host.
func (c *Control) LinkList() []string {
	out, ok := c.run("ip", "-o", "link", "show")
	if !ok || out == "" {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		// Lines look like "4: tr-dhcp-1@if5: <BROADCAST...".
		parts := strings.SplitN(line, ": ", 3)
		if len(parts) < 2 {
			continue
		}
		name := parts[1]
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}
		names = append(names, name)
	}
	return names
}

// AttachContainerNetns exposes a container's network namespace as a named
// netns by symlinking /proc/<pid>/ns/net into the netns run directory.
func (c *Control) AttachContainerNetns(pid int, ns string) error {
	if err := os.MkdirAll(netnsRunDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", netnsRunDir, err)
	}
	link := filepath.Join(netnsRunDir, ns)
	// A stale link from a crashed run would shadow the new namespace.
	os.Remove(link)
	if err := os.Symlink(fmt.Sprintf("/proc/%d/ns/net", pid), link); err != nil {
		return fmt.Errorf("failed to link container netns: %w", err)
	}
	return nil
}

// DetachContainerNetns removes the named netns symlink for a container.
func (c *Control) DetachContainerNetns(ns string) {
	os.Remove(filepath.Join(netnsRunDir, ns))
}

// LinkUp reports whether a host link's operational state is UP.
func (c *Control) LinkUp(iface string) bool {
	out, ok := c.run("ip", "link", "show", iface)
	if !ok {
		return false
	}
	return strings.Contains(out, "state UP")
}

// Interfaces enumerates Ethernet-like system NICs (names prefixed en or eth)
// together with their first IPv4 address.
func (c *Control) Interfaces() ([]models.InterfaceInfo, error) {
	system, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	var nics []models.InterfaceInfo
	for _, iface := range system {
		if !strings.HasPrefix(iface.Name, "en") && !strings.HasPrefix(iface.Name, "eth") {
			continue
		}
		info := models.InterfaceInfo{
			Name: iface.Name,
			MAC:  iface.HardwareAddr.String(),
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				ipNet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				if v4 := ipNet.IP.To4(); v4 != nil {
					info.IP = v4.String()
					break
				}
			}
		}
		nics = append(nics, info)
	}
	return nics, nil
}

// InterfaceMAC returns the MAC address of a host NIC.
func (c *Control) InterfaceMAC(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to look up interface %s: %w", name, err)
	}
	return iface.HardwareAddr.String(), nil
}

// Ping probes an address with a single ICMP echo from the host.
func (c *Control) Ping(ctx context.Context, addr string) bool {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		c.logger.Error().Err(err).Str("addr", addr).Msg("Failed to create pinger")
		return false
	}
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = 3 * time.Second
	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// NetnsPing probes an address from inside a namespace. Used to smoke-test a
// network module's own addressing after attachment.
func (c *Control) NetnsPing(ns, addr string) bool {
	_, ok := c.run("ip", "netns", "exec", ns, "ping", "-c", "1", "-W", "2", addr)
	return ok
}

// EthtoolStats captures `ethtool -S` output for a NIC.
func (c *Control) EthtoolStats(iface string) (string, bool) {
	return c.run("ethtool", "-S", iface)
}

// EthtoolInfo captures `ethtool` link settings output for a NIC.
func (c *Control) EthtoolInfo(iface string) (string, bool) {
	return c.run("ethtool", iface)
}
