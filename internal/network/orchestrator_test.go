package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"testrun/internal/config"
	"testrun/internal/container"
	"testrun/internal/listener"
	"testrun/internal/models"
	"testrun/internal/netcontrol"
	"testrun/internal/registry"
)

// fakeFabric records fabric operations and simulates configurable failures
type fakeFabric struct {
	calls        []string
	attached     []netcontrol.ContainerInterface
	baselineFail bool
	attachFail   bool
	pingFail     bool
	linkDown     bool
	restored     bool
}

func (f *fakeFabric) CleanAll() { f.calls = append(f.calls, "clean") }

func (f *fakeFabric) CreateBaseline(deviceIntf, internetIntf string) bool {
	f.calls = append(f.calls, fmt.Sprintf("baseline %s %s", deviceIntf, internetIntf))
	return !f.baselineFail
}

func (f *fakeFabric) ValidateBaseline(deviceIntf, internetIntf string) error {
	if f.baselineFail {
		return errors.New("bridge missing")
	}
	return nil
}

func (f *fakeFabric) ConfigureContainerInterface(attach netcontrol.ContainerInterface) bool {
	if f.attachFail {
		return false
	}
	f.attached = append(f.attached, attach)
	return true
}

func (f *fakeFabric) NetnsPing(ns, addr string) bool { return !f.pingFail }

func (f *fakeFabric) Ping(ctx context.Context, addr string) bool { return !f.pingFail }

func (f *fakeFabric) Restore(internetIntf string) {
	f.restored = true
	f.calls = append(f.calls, "restore "+internetIntf)
}

func (f *fakeFabric) LinkUp(iface string) bool { return !f.linkDown }

func (f *fakeFabric) Interfaces() ([]models.InterfaceInfo, error) { return nil, nil }

func (f *fakeFabric) InterfaceMAC(name string) (string, error) { return "00:11:22:33:44:55", nil }

func (f *fakeFabric) EthtoolStats(iface string) (string, bool) { return "rx_packets: 10", true }

func (f *fakeFabric) EthtoolInfo(iface string) (string, bool) { return "driver: e1000e", true }

// fakeRuntime records container operations
type fakeRuntime struct {
	started   []container.Spec
	killedAll bool
	startErr  error
}

func (f *fakeRuntime) Start(_ context.Context, spec container.Spec) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, spec)
	return nil
}

func (f *fakeRuntime) Pid(_ context.Context, name string) (int, error) { return 4321, nil }

func (f *fakeRuntime) Status(_ context.Context, name string) string { return "running" }

func (f *fakeRuntime) Kill(_ context.Context, name string) {}

func (f *fakeRuntime) KillAllOwned(_ context.Context) { f.killedAll = true }

type noopBuilder struct{}

func (noopBuilder) BuildImage(_ context.Context, _, _, _ string) error { return nil }

// writeNetworkModule seeds one network module manifest under root/modules
func writeNetworkModule(t *testing.T, root, name string, network string) {
	t.Helper()
	dir := filepath.Join(root, "modules", "network", name, "conf")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create module dir: %v", err)
	}
	manifest := fmt.Sprintf(`{
	  "config": {
	    "meta": {"name": %q, "display_name": %q},
	    "network": %s,
	    "docker": {"enable_container": true}
	  }
	}`, name, name, network)
	path := filepath.Join(dir, "module_config.json")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
}

func newOrchestrator(t *testing.T, fabric *fakeFabric, runtime *fakeRuntime) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	writeNetworkModule(t, root, "dhcp-1", `{"ip_index": 2, "enable_wan": true}`)
	writeNetworkModule(t, root, "dns", `{"ip_index": 4}`)

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Network.DeviceIntf = "enp0s1"
	cfg.Network.InternetIntf = "enp0s2"

	orig := startListener
	startListener = func(*listener.Listener) error { return nil }
	t.Cleanup(func() { startListener = orig })

	reg := registry.New(cfg.ModulesDir, noopBuilder{})
	return New(cfg, fabric, runtime, reg)
}

// TestStartHappyPath tests the full bring-up sequence
func TestStartHappyPath(t *testing.T) {
	fabric := &fakeFabric{}
	runtime := &fakeRuntime{}
	o := newOrchestrator(t, fabric, runtime)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !o.Running() {
		t.Error("Orchestrator should report running")
	}

	// Clean runs before the baseline comes up.
	if len(fabric.calls) < 2 || fabric.calls[0] != "clean" ||
		!strings.HasPrefix(fabric.calls[1], "baseline enp0s1 enp0s2") {
		t.Errorf("Fabric call order = %v", fabric.calls)
	}

	if len(runtime.started) != 2 {
		t.Fatalf("Started %d containers, expected 2", len(runtime.started))
	}
	spec := runtime.started[0]
	if spec.Name != "tr-ct-dhcp-1" || spec.NetworkMode != "none" || !spec.Privileged {
		t.Errorf("Container spec = %+v", spec)
	}
	if len(spec.CapAdd) != 1 || spec.CapAdd[0] != "NET_ADMIN" {
		t.Errorf("CapAdd = %v", spec.CapAdd)
	}

	// dhcp-1 gets a device leg and a WAN leg; dns only a device leg.
	if len(fabric.attached) != 3 {
		t.Fatalf("Attached %d interfaces, expected 3", len(fabric.attached))
	}
	device := fabric.attached[0]
	if device.Bridge != netcontrol.DeviceBridge || device.MAC != "9a:02:57:1e:8f:02" ||
		device.IPv4 != "10.10.10.2/24" {
		t.Errorf("Device attachment = %+v", device)
	}
	wan := fabric.attached[1]
	if wan.Bridge != netcontrol.InternetBridge || !wan.WAN || wan.IPv4 != "" {
		t.Errorf("WAN attachment = %+v", wan)
	}

	// The ethtool connection stats land in the shared network dir.
	stats := filepath.Join(o.cfg.RuntimeNetworkDir(), "ethtool_conn_stats.txt")
	if _, err := os.Stat(stats); err != nil {
		t.Errorf("ethtool_conn_stats.txt missing: %v", err)
	}

	// The config snapshot lands in runtime/conf.
	snapshot := filepath.Join(o.cfg.RuntimeDir(), "conf", "system.json")
	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("Config snapshot missing: %v", err)
	}
}

// TestStartBaselineFailureTearsDown tests atomic-on-failure bring-up
func TestStartBaselineFailureTearsDown(t *testing.T) {
	fabric := &fakeFabric{baselineFail: true}
	runtime := &fakeRuntime{}
	o := newOrchestrator(t, fabric, runtime)

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the baseline cannot be created")
	}
	if o.Running() {
		t.Error("Failed start left the orchestrator running")
	}
	if !fabric.restored {
		t.Error("Failed start did not restore host networking")
	}
	if !runtime.killedAll {
		t.Error("Failed start did not kill owned containers")
	}
}

// TestStartSmokeTestFailure tests that a dead module aborts the run
func TestStartSmokeTestFailure(t *testing.T) {
	fabric := &fakeFabric{pingFail: true}
	o := newOrchestrator(t, fabric, &fakeRuntime{})

	err := o.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "smoke test") {
		t.Fatalf("Start returned %v, expected smoke test failure", err)
	}
	if !fabric.restored {
		t.Error("Failed start did not restore host networking")
	}
}

// TestSingleIntf tests that single-interface rigs skip the internet bridge
func TestSingleIntf(t *testing.T) {
	fabric := &fakeFabric{}
	o := newOrchestrator(t, fabric, &fakeRuntime{})
	o.cfg.SingleIntf = true

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, call := range fabric.calls {
		if strings.HasPrefix(call, "baseline") && !strings.HasSuffix(call, "enp0s1 ") {
			t.Errorf("Baseline received an internet interface: %q", call)
		}
	}
}

// TestStopTeardownOrder tests listener-then-containers-then-fabric teardown
func TestStopTeardownOrder(t *testing.T) {
	fabric := &fakeFabric{}
	runtime := &fakeRuntime{}
	o := newOrchestrator(t, fabric, runtime)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	o.Stop(context.Background(), true)

	if o.Running() {
		t.Error("Stop left the orchestrator running")
	}
	if !runtime.killedAll {
		t.Error("Stop did not kill owned containers")
	}
	if !fabric.restored {
		t.Error("Stop did not restore host networking")
	}
}

// TestDeviceLinkUp tests the disconnect probe
func TestDeviceLinkUp(t *testing.T) {
	fabric := &fakeFabric{}
	o := newOrchestrator(t, fabric, &fakeRuntime{})

	if !o.DeviceLinkUp() {
		t.Error("Link should be up")
	}
	fabric.linkDown = true
	if o.DeviceLinkUp() {
		t.Error("Link should be down")
	}
}

// TestWritePortStats tests the pre/post monitor artefacts
func TestWritePortStats(t *testing.T) {
	o := newOrchestrator(t, &fakeFabric{}, &fakeRuntime{})
	if err := os.MkdirAll(o.cfg.RuntimeNetworkDir(), 0755); err != nil {
		t.Fatalf("Failed to create runtime dir: %v", err)
	}

	o.WritePortStats("pre")
	o.WritePortStats("post")

	for _, name := range []string{
		"ethtool_port_stats_pre_monitor.txt",
		"ethtool_port_stats_post_monitor.txt",
	} {
		if _, err := os.Stat(filepath.Join(o.cfg.RuntimeNetworkDir(), name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
}
