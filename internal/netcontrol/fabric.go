package netcontrol

import (
	"fmt"
	"strings"
)

// Testrun-owned DHCP servers. The snooping rules on the device bridge only
// let replies from these two addresses reach the DUT.
const (
	PrimaryDHCPServer   = "10.10.10.2"
	SecondaryDHCPServer = "10.10.10.3"
)

// Baseline OpenFlow rules for the device bridge. EAPOL frames are flooded so
// authentication traffic is forwarded; DHCP replies are accepted only from
// the Testrun DHCP servers and dropped otherwise.
var baselineFlows = []string{
	"table=0, dl_dst=01:80:c2:00:00:03, actions=flood",
	"table=0, dl_type=0x800, priority=65535, tp_src=67, tp_dst=68, nw_src=" + PrimaryDHCPServer + ", actions=normal",
	"table=0, dl_type=0x800, priority=65535, tp_src=67, tp_dst=68, nw_src=" + SecondaryDHCPServer + ", actions=normal",
	"table=0, dl_type=0x800, priority=0, tp_src=67, tp_dst=68, actions=drop",
}

// CreateBaseline brings up the two-bridge fabric: the device bridge with the
// DUT-facing NIC and DHCP-snooping rules, and the internet bridge with the
// upstream NIC. Returns false on the first failed step.
func (c *Control) CreateBaseline(deviceIntf, internetIntf string) bool {
	c.logger.Info().
		Str("device_intf", deviceIntf).
		Str("internet_intf", internetIntf).
		Msg("Creating baseline fabric")

	if !c.BridgeAdd(DeviceBridge) {
		return false
	}
	if !c.BridgeAdd(InternetBridge) {
		return false
	}

	if !c.PortAdd(DeviceBridge, deviceIntf) {
		return false
	}
	if internetIntf != "" {
		// The upstream NIC must carry no address of its own once it is
		// enslaved to the bridge.
		if !c.FlushIP(internetIntf) {
			return false
		}
		if !c.PortAdd(InternetBridge, internetIntf) {
			return false
		}
	}

	for _, flow := range baselineFlows {
		if !c.FlowAdd(DeviceBridge, flow) {
			return false
		}
	}

	if !c.SetUp(DeviceBridge) {
		return false
	}
	if !c.SetUp(InternetBridge) {
		return false
	}
	return true
}

// ValidateBaseline re-reads the bridge port sets and confirms the configured
// NICs were actually attached.
func (c *Control) ValidateBaseline(deviceIntf, internetIntf string) error {
	ports, ok := c.BridgePorts(DeviceBridge)
	if !ok {
		return fmt.Errorf("device bridge %s is not present", DeviceBridge)
	}
	if !containsPort(ports, deviceIntf) {
		return fmt.Errorf("device interface %s is not attached to %s", deviceIntf, DeviceBridge)
	}

	if internetIntf != "" {
		ports, ok = c.BridgePorts(InternetBridge)
		if !ok {
			return fmt.Errorf("internet bridge %s is not present", InternetBridge)
		}
		if !containsPort(ports, internetIntf) {
			return fmt.Errorf("internet interface %s is not attached to %s", internetIntf, InternetBridge)
		}
	}
	return nil
}

func containsPort(ports []string, name string) bool {
	for _, p := range ports {
		if p == name {
			return true
		}
	}
	return false
}

// ContainerInterface describes one veth attachment of a container to a
// fabric bridge.
type ContainerInterface struct {
	ContainerName string
	ContainerPID  int
	Bridge        string
	MAC           string
	IPv4          string // address with prefix, e.g. 10.10.10.2/24
	IPv6          string // address with prefix
	WAN           bool   // WAN legs are named eth1 inside the container
}

// Netns returns the synthetic namespace name for the attachment's container.
func (a ContainerInterface) Netns() string {
	return NetnsPrefix + a.ContainerName
}

// HostVeth returns the host-side veth name for the attachment.
func (a ContainerInterface) HostVeth() string {
	name := OwnedPrefix + "-" + a.ContainerName
	if a.WAN {
		name += "-w"
	}
	// Linux interface names are capped at 15 bytes.
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// insideName is the interface name seen by the container.
func (a ContainerInterface) insideName() string {
	if a.WAN {
		return "eth1"
	}
	return "veth0"
}

// ConfigureContainerInterface transactionally plumbs a container onto a
// fabric bridge: it removes any stale veth of the same name, creates a fresh
// pair, exposes the container's netns, moves and renames the container end,
// assigns MAC and addresses, and brings both ends up. Any failed step aborts
// and returns false; the caller treats that as fatal to start-up.
func (c *Control) ConfigureContainerInterface(attach ContainerInterface) bool {
	host := attach.HostVeth()
	peer := host + "p"
	ns := attach.Netns()
	inside := attach.insideName()

	logger := c.logger.With().Str("container", attach.ContainerName).Str("veth", host).Logger()

	if c.LinkExists(host) {
		logger.Debug().Msg("Removing stale veth")
		if !c.VethDelete(host) {
			return false
		}
	}

	if !c.VethAdd(host, peer) {
		return false
	}
	if err := c.AttachContainerNetns(attach.ContainerPID, ns); err != nil {
		logger.Error().Err(err).Msg("Failed to expose container netns")
		c.VethDelete(host)
		return false
	}
	if !c.SetNetns(peer, ns) {
		c.VethDelete(host)
		return false
	}
	if !c.RenameInNetns(ns, peer, inside) {
		return false
	}
	if !c.SetMACInNetns(ns, inside, attach.MAC) {
		return false
	}
	if attach.IPv4 != "" && !c.AddrAddInNetns(ns, inside, attach.IPv4) {
		return false
	}
	if attach.IPv6 != "" && !c.AddrAddInNetns(ns, inside, attach.IPv6) {
		return false
	}
	if !c.SetUpInNetns(ns, inside) {
		return false
	}
	if !c.PortAdd(attach.Bridge, host) {
		return false
	}
	if !c.SetUp(host) {
		return false
	}

	logger.Debug().Str("bridge", attach.Bridge).Str("mac", attach.MAC).Msg("Container interface configured")
	return true
}

// Restore tears the fabric down: both bridges are deleted, every namespace
// and link carrying the tr prefix is removed, and the internet NIC is cycled
// so the host regains its upstream connectivity.
func (c *Control) Restore(internetIntf string) {
	c.logger.Info().Msg("Restoring host networking")

	c.BridgeDelete(DeviceBridge)
	c.BridgeDelete(InternetBridge)
	c.CleanAll()

	if internetIntf != "" {
		c.SetDown(internetIntf)
		c.SetUp(internetIntf)
	}
}

// CleanAll removes every namespace and veth owned by Testrun. Run at startup
// as well, to recover from a prior crash.
func (c *Control) CleanAll() {
	for _, ns := range c.NetnsList() {
		if strings.HasPrefix(ns, OwnedPrefix) {
			c.NetnsDelete(ns)
			c.DetachContainerNetns(ns)
		}
	}
	for _, link := range c.LinkList() {
		if link == DeviceBridge || link == InternetBridge {
			continue
		}
		if strings.HasPrefix(link, OwnedPrefix+"-") {
			c.VethDelete(link)
		}
	}
}
