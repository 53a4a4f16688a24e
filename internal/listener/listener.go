package listener

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// fabricMACPrefix marks Testrun's own fabric containers; their traffic never
// counts as device discovery.
const fabricMACPrefix = "9a:02:57:1e:8f"

const snaplen = 65536

// openLive opens the capture handle. Tests replace it to feed synthetic
// packets without libpcap.
var openLive = func(iface string) (packetSource, error) {
	handle, err := pcap.OpenLive(iface, snaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", iface, err)
	}
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	return &liveSource{handle: handle, packets: src.Packets()}, nil
}

// packetSource supplies live packets and owns the underlying handle.
type packetSource interface {
	Packets() <-chan gopacket.Packet
	Close()
}

type liveSource struct {
	handle  *pcap.Handle
	packets <-chan gopacket.Packet
}

func (s *liveSource) Packets() <-chan gopacket.Packet { return s.packets }
func (s *liveSource) Close()                          { s.handle.Close() }

// Listener sniffs the device interface, publishes discovery and DHCP events,
// and tees packets into the active captures.
type Listener struct {
	iface  string
	bus    *Bus
	logger zerolog.Logger

	mu         sync.Mutex
	source     packetSource
	running    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	ignored    map[string]bool
	discovered map[string]bool
	captures   []*Capture
}

// New creates a listener for the device interface. The ignore list holds
// MACs that must never register as discovery, such as the host NIC itself.
func New(iface string, bus *Bus, ignoreMACs []string) *Listener {
	ignored := make(map[string]bool)
	for _, mac := range ignoreMACs {
		ignored[strings.ToLower(mac)] = true
	}
	return &Listener{
		iface:      iface,
		bus:        bus,
		logger:     log.With().Str("component", "listener").Str("iface", iface).Logger(),
		ignored:    ignored,
		discovered: make(map[string]bool),
	}
}

// Bus returns the listener's event bus.
func (l *Listener) Bus() *Bus { return l.bus }

// Start opens the interface and begins the sniff loop.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	source, err := openLive(l.iface)
	if err != nil {
		return err
	}
	l.source = source
	l.stopChan = make(chan struct{})
	l.doneChan = make(chan struct{})
	l.running = true
	l.discovered = make(map[string]bool)

	go l.loop(source, l.stopChan, l.doneChan)
	l.logger.Info().Msg("Listener started")
	return nil
}

// Stop ends the sniff loop and closes the handle. Safe to call repeatedly.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	source := l.source
	done := l.doneChan
	l.mu.Unlock()

	source.Close()
	<-done
	l.logger.Info().Msg("Listener stopped")
}

// Running reports whether the sniff loop is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Listener) loop(source packetSource, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case packet, ok := <-source.Packets():
			if !ok {
				return
			}
			l.process(packet)
		}
	}
}

// process inspects one packet: it feeds the active captures, raises
// discovery for the first packet of an unknown MAC, and raises a lease event
// for DHCP ACKs.
func (l *Listener) process(packet gopacket.Packet) {
	l.mu.Lock()
	captures := append([]*Capture(nil), l.captures...)
	l.mu.Unlock()
	for _, c := range captures {
		c.add(packet)
		if c.finished() {
			l.removeCapture(c)
		}
	}

	// Lease ACKs come from the fabric DHCP servers, so inspect DHCP before
	// the source filter below discards fabric traffic.
	if dhcp, ok := packet.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4); ok && dhcp != nil {
		l.processDHCP(dhcp)
	}

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || eth == nil {
		return
	}
	src := strings.ToLower(eth.SrcMAC.String())
	if strings.HasPrefix(src, fabricMACPrefix) || l.ignored[src] {
		return
	}

	if !l.discovered[src] {
		l.discovered[src] = true
		l.logger.Info().Str("mac", src).Msg("Device discovered")
		l.bus.Publish(Event{Kind: EventDeviceDiscovered, MAC: src})
	}
}

// processDHCP raises a lease event for BOOTP replies carrying a DHCP ACK.
func (l *Listener) processDHCP(dhcp *layers.DHCPv4) {
	if dhcp.Operation != layers.DHCPOpReply {
		return
	}
	ack := false
	for _, opt := range dhcp.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) > 0 &&
			layers.DHCPMsgType(opt.Data[0]) == layers.DHCPMsgTypeAck {
			ack = true
			break
		}
	}
	if !ack {
		return
	}

	mac := strings.ToLower(dhcp.ClientHWAddr.String())
	ip := dhcp.YourClientIP.String()
	l.logger.Info().Str("mac", mac).Str("ip", ip).Msg("DHCP lease acknowledged")
	l.bus.Publish(Event{Kind: EventDHCPLeaseAck, MAC: mac, IP: ip})
}

func (l *Listener) addCapture(c *Capture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.captures = append(l.captures, c)
}

func (l *Listener) removeCapture(c *Capture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.captures {
		if existing == c {
			l.captures = append(l.captures[:i], l.captures[i+1:]...)
			return
		}
	}
}
