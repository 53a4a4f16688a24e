// Package network is the network orchestrator. It builds the two-bridge
// fabric, starts the network-service containers and plumbs each one onto the
// bridges in its own namespace, smoke-tests the attachments, and runs the
// device listener on the device interface.
package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/config"
	"testrun/internal/container"
	"testrun/internal/listener"
	"testrun/internal/models"
	"testrun/internal/netcontrol"
	"testrun/internal/registry"
)

// Fabric is the slice of the interface-control surface the orchestrator
// drives. *netcontrol.Control implements it.
type Fabric interface {
	CleanAll()
	CreateBaseline(deviceIntf, internetIntf string) bool
	ValidateBaseline(deviceIntf, internetIntf string) error
	ConfigureContainerInterface(attach netcontrol.ContainerInterface) bool
	NetnsPing(ns, addr string) bool
	Ping(ctx context.Context, addr string) bool
	Restore(internetIntf string)
	LinkUp(iface string) bool
	Interfaces() ([]models.InterfaceInfo, error)
	InterfaceMAC(name string) (string, error)
	EthtoolStats(iface string) (string, bool)
	EthtoolInfo(iface string) (string, bool)
}

// Runtime is the slice of the container manager the orchestrator drives.
// *container.Manager implements it.
type Runtime interface {
	Start(ctx context.Context, spec container.Spec) error
	Pid(ctx context.Context, name string) (int, error)
	Status(ctx context.Context, name string) string
	Kill(ctx context.Context, name string)
	KillAllOwned(ctx context.Context)
}

// startListener opens the sniffer. Tests replace it since there is no real
// capture interface on the build hosts.
var startListener = func(l *listener.Listener) error { return l.Start() }

// Orchestrator owns the fabric and the network-service containers for the
// lifetime of one run.
type Orchestrator struct {
	cfg        *config.Config
	fabric     Fabric
	runtime    Runtime
	registry   *registry.Registry
	listener   *listener.Listener
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
}

// New creates an orchestrator. The listener is created here so callers can
// subscribe to its bus before the fabric comes up.
func New(cfg *config.Config, fabric Fabric, runtime Runtime, reg *registry.Registry) *Orchestrator {
	bus := listener.NewBus()
	return &Orchestrator{
		cfg:      cfg,
		fabric:   fabric,
		runtime:  runtime,
		registry: reg,
		listener: listener.New(cfg.Network.DeviceIntf, bus, nil),
		logger:   log.With().Str("component", "network").Logger(),
	}
}

// Listener returns the device listener.
func (o *Orchestrator) Listener() *listener.Listener { return o.listener }

// Bus returns the listener's event bus.
func (o *Orchestrator) Bus() *listener.Bus { return o.listener.Bus() }

// Interfaces enumerates the host's usable Ethernet NICs.
func (o *Orchestrator) Interfaces() ([]models.InterfaceInfo, error) {
	return o.fabric.Interfaces()
}

// PingDevice checks host-side ICMP reachability of the device under test.
func (o *Orchestrator) PingDevice(ctx context.Context, ip string) bool {
	return o.fabric.Ping(ctx, ip)
}

// Running reports whether the fabric is up.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Start brings the network up. Any failed step tears everything down and
// returns an error; a half-built fabric is never left behind.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.start(ctx); err != nil {
		o.Stop(ctx, true)
		return err
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	if err := o.cfg.Snapshot(); err != nil {
		return err
	}
	if err := os.MkdirAll(o.cfg.RuntimeNetworkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create runtime network directory: %w", err)
	}

	if err := o.registry.LoadNetworkModules(ctx); err != nil {
		return err
	}

	deviceIntf := o.cfg.Network.DeviceIntf
	internetIntf := o.cfg.Network.InternetIntf
	if o.cfg.SingleIntf {
		internetIntf = ""
	}

	// Recover from any prior crash before building.
	o.fabric.CleanAll()
	if !o.fabric.CreateBaseline(deviceIntf, internetIntf) {
		return fmt.Errorf("network not ready: baseline fabric creation failed")
	}
	if err := o.fabric.ValidateBaseline(deviceIntf, internetIntf); err != nil {
		return fmt.Errorf("network not ready: %w", err)
	}

	for _, module := range o.registry.NetworkModules() {
		if module.Template || !module.Enabled || !module.EnableContainer {
			continue
		}
		if err := o.startNetworkModule(ctx, module); err != nil {
			return err
		}
	}

	o.writeConnStats()

	if err := startListener(o.listener); err != nil {
		return err
	}
	o.logger.Info().Msg("Network orchestrator started")
	return nil
}

// startNetworkModule runs one network-service container and attaches it to
// the fabric.
func (o *Orchestrator) startNetworkModule(ctx context.Context, module *models.NetworkModule) error {
	o.logger.Info().Str("module", module.Name).Msg("Starting network module")

	spec := container.Spec{
		Name:        module.ContainerName,
		Image:       module.Image,
		Privileged:  true,
		NetworkMode: "none",
		CapAdd:      []string{"NET_ADMIN"},
		Env: []string{
			"TZ=" + os.Getenv("TZ"),
			"LOG_LEVEL=" + o.cfg.LogLevel,
		},
		Mounts: []container.Mount{
			{Source: o.cfg.RuntimeNetworkDir(), Target: "/runtime/network"},
		},
	}
	if module.Host {
		spec.NetworkMode = "host"
	}
	if err := o.runtime.Start(ctx, spec); err != nil {
		return fmt.Errorf("network module %s: %w", module.Name, err)
	}
	if module.Host {
		return nil
	}

	pid, err := o.runtime.Pid(ctx, module.ContainerName)
	if err != nil {
		return fmt.Errorf("network module %s: %w", module.Name, err)
	}

	attach := netcontrol.ContainerInterface{
		ContainerName: module.ContainerName,
		ContainerPID:  pid,
		Bridge:        netcontrol.DeviceBridge,
		MAC:           module.MAC(),
		IPv4:          module.IPv4() + "/24",
		IPv6:          module.IPv6() + "/64",
	}
	if !o.fabric.ConfigureContainerInterface(attach) {
		return fmt.Errorf("network module %s: failed to attach to %s", module.Name, netcontrol.DeviceBridge)
	}

	if module.EnableWAN {
		wan := attach
		wan.Bridge = netcontrol.InternetBridge
		wan.WAN = true
		wan.IPv4 = ""
		wan.IPv6 = ""
		if !o.fabric.ConfigureContainerInterface(wan) {
			return fmt.Errorf("network module %s: failed to attach to %s", module.Name, netcontrol.InternetBridge)
		}
	}

	// Each attached module must answer a ping from inside its own netns
	// before the run proceeds.
	if !o.fabric.NetnsPing(attach.Netns(), module.IPv4()) {
		return fmt.Errorf("network module %s: smoke test failed for %s", module.Name, module.IPv4())
	}
	return nil
}

// Stop tears the network down: the listener first, then every owned
// container, then the fabric. Best-effort throughout.
func (o *Orchestrator) Stop(ctx context.Context, kill bool) {
	o.mu.Lock()
	o.started = false
	o.mu.Unlock()

	o.listener.Stop()
	if kill {
		o.runtime.KillAllOwned(ctx)
	}

	internetIntf := o.cfg.Network.InternetIntf
	if o.cfg.SingleIntf {
		internetIntf = ""
	}
	o.fabric.Restore(internetIntf)
	o.logger.Info().Msg("Network orchestrator stopped")
}

// DeviceLinkUp reports whether the device interface still has carrier. The
// monitor loop polls this to detect a disconnected DUT.
func (o *Orchestrator) DeviceLinkUp() bool {
	return o.fabric.LinkUp(o.cfg.Network.DeviceIntf)
}

// writeConnStats records the device NIC's driver info as a shared artefact.
func (o *Orchestrator) writeConnStats() {
	info, ok := o.fabric.EthtoolInfo(o.cfg.Network.DeviceIntf)
	if !ok {
		o.logger.Warn().Msg("Failed to read ethtool connection stats")
		return
	}
	path := filepath.Join(o.cfg.RuntimeNetworkDir(), "ethtool_conn_stats.txt")
	if err := os.WriteFile(path, []byte(info), 0644); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to write ethtool connection stats")
	}
}

// WritePortStats records the device NIC's port counters before or after the
// monitor window. Stage is "pre" or "post".
func (o *Orchestrator) WritePortStats(stage string) {
	stats, ok := o.fabric.EthtoolStats(o.cfg.Network.DeviceIntf)
	if !ok {
		o.logger.Warn().Str("stage", stage).Msg("Failed to read ethtool port stats")
		return
	}
	name := fmt.Sprintf("ethtool_port_stats_%s_monitor.txt", stage)
	path := filepath.Join(o.cfg.RuntimeNetworkDir(), name)
	if err := os.WriteFile(path, []byte(stats), 0644); err != nil {
		o.logger.Warn().Err(err).Str("stage", stage).Msg("Failed to write ethtool port stats")
	}
}
