package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testrun/internal/config"
	"testrun/internal/container"
	"testrun/internal/models"
	"testrun/internal/netcontrol"
	"testrun/internal/session"
)

// fakeRuntime simulates module containers. Start drops the configured result
// file into the module's output mount; Status reports running for a set
// number of polls.
type fakeRuntime struct {
	results   map[string]string // container name -> result JSON
	reports   map[string]string // container name -> markdown report
	runPolls  map[string]int    // container name -> polls before exit
	started   []container.Spec
	killed    []string
	outputDir map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		results:   make(map[string]string),
		reports:   make(map[string]string),
		runPolls:  make(map[string]int),
		outputDir: make(map[string]string),
	}
}

func (f *fakeRuntime) Start(_ context.Context, spec container.Spec) error {
	f.started = append(f.started, spec)
	for _, mount := range spec.Mounts {
		if mount.Target != "/runtime/output" {
			continue
		}
		f.outputDir[spec.Name] = mount.Source
		if body, ok := f.results[spec.Name]; ok {
			name := filepath.Base(mount.Source)
			path := filepath.Join(mount.Source, name+"-result.json")
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				return err
			}
		}
		if body, ok := f.reports[spec.Name]; ok {
			name := filepath.Base(mount.Source)
			path := filepath.Join(mount.Source, name+"-report.md")
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeRuntime) Pid(_ context.Context, name string) (int, error) { return 4321, nil }

func (f *fakeRuntime) Status(_ context.Context, name string) string {
	if f.runPolls[name] > 0 {
		f.runPolls[name]--
		return "running"
	}
	return "exited"
}

func (f *fakeRuntime) Kill(_ context.Context, name string) {
	f.killed = append(f.killed, name)
	f.runPolls[name] = 0
}

func (f *fakeRuntime) StreamLogs(_ context.Context, name string, fn func(line string)) error {
	fn("module starting")
	fn("module done")
	return nil
}

// fakeFabric records attachments
type fakeFabric struct {
	attached []netcontrol.ContainerInterface
	linkDown bool
}

func (f *fakeFabric) ConfigureContainerInterface(attach netcontrol.ContainerInterface) bool {
	f.attached = append(f.attached, attach)
	return true
}

func (f *fakeFabric) LinkUp(string) bool { return !f.linkDown }

func connModule() *models.TestModule {
	return &models.TestModule{
		Name:            "conn",
		DisplayName:     "Connection",
		Enabled:         true,
		EnableContainer: true,
		Image:           "testrun/conn-test",
		ContainerName:   "tr-ct-conn-test",
		Timeout:         30,
		Tests: []*models.TestCase{
			{Name: "connection.port_link", RequiredResult: models.RequiredResultRequired},
			{Name: "connection.dhcp_address", RequiredResult: models.RequiredResultRequired},
		},
	}
}

func testEnv(t *testing.T) (*Runner, *session.Session, *fakeRuntime, *fakeFabric) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Network.DeviceIntf = "enp0s1"

	sess := session.New()
	sess.Start(&models.Device{MACAddr: "aa:bb:cc:00:11:22", Manufacturer: "Acme", Model: "X"})
	sess.SetDeviceIP("10.10.10.42")
	sess.SetPhase(models.PhaseInProgress)

	runtime := newFakeRuntime()
	fabric := &fakeFabric{}

	origPoll := pollInterval
	pollInterval = 5 * time.Millisecond
	t.Cleanup(func() { pollInterval = origPoll })

	return New(cfg, sess, runtime, fabric), sess, runtime, fabric
}

func resultByName(t *testing.T, sess *session.Session, name string) *models.TestCase {
	t.Helper()
	for _, tc := range sess.Results() {
		if tc.Name == name {
			return tc
		}
	}
	t.Fatalf("Result %q missing; have %d results", name, len(sess.Results()))
	return nil
}

// TestRunHappyPath tests a module that exits cleanly with results
func TestRunHappyPath(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	runtime.results[module.ContainerName] = `{"results":[
		{"name":"connection.port_link","description":"Port is up","result":"Compliant","tags":["physical"]},
		{"name":"connection.dhcp_address","result":"Non-Compliant","recommendations":["Enable DHCP"]}
	]}`
	runtime.reports[module.ContainerName] = "# Connection\nall checks ran"
	device := sess.Device()

	if err := r.Run(context.Background(), device, nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sess.TotalTests() != 2 {
		t.Errorf("Total tests = %d, expected 2", sess.TotalTests())
	}
	link := resultByName(t, sess, "connection.port_link")
	if link.Result != models.ResultCompliant || link.Description != "Port is up" {
		t.Errorf("port_link = %+v", link)
	}
	if len(link.Tags) != 1 || link.Tags[0] != "physical" {
		t.Errorf("port_link tags = %v", link.Tags)
	}
	dhcp := resultByName(t, sess, "connection.dhcp_address")
	if dhcp.Result != models.ResultNonCompliant || len(dhcp.Recommendations) != 1 {
		t.Errorf("dhcp_address = %+v", dhcp)
	}

	reports := sess.Snapshot().ModuleReports
	if len(reports) != 1 || reports[0].Module != "conn" {
		t.Errorf("ModuleReports = %+v", reports)
	}

	// The container spec carries the documented env and mount set.
	spec := runtime.started[0]
	env := map[string]bool{}
	for _, e := range spec.Env {
		env[e] = true
	}
	if !env["DEVICE_MAC=aa:bb:cc:00:11:22"] || !env["IPV4_ADDR=10.10.10.42"] ||
		!env["IPV4_SUBNET=10.10.10.0/24"] {
		t.Errorf("Env = %v", spec.Env)
	}
	targets := map[string]bool{}
	for _, m := range spec.Mounts {
		targets[m.Target] = true
	}
	for _, want := range []string{
		"/runtime/output", "/runtime/network",
		"/runtime/device/startup.pcap", "/runtime/device/monitor.pcap",
		"/testrun/system.json", "/testrun/root_certs",
	} {
		if !targets[want] {
			t.Errorf("Mount %s missing", want)
		}
	}

	// module.log captured the streamed lines.
	logPath := filepath.Join(runtime.outputDir[module.ContainerName], "module.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("module.log missing: %v", err)
	}
	if string(data) != "module starting\nmodule done\n" {
		t.Errorf("module.log = %q", string(data))
	}
}

// TestBooleanResultAccepted tests the tolerant result decode
func TestBooleanResultAccepted(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	runtime.results[module.ContainerName] = `{"results":[
		{"name":"connection.port_link","result":true,"extra_key":42},
		{"name":"connection.dhcp_address","result":false}
	]}`

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := resultByName(t, sess, "connection.port_link").Result; got != models.ResultCompliant {
		t.Errorf("true result stored as %q", got)
	}
	if got := resultByName(t, sess, "connection.dhcp_address").Result; got != models.ResultNonCompliant {
		t.Errorf("false result stored as %q", got)
	}
}

// TestInformationalCoercion tests that a declared Informational case never
// reports Compliant or Non-Compliant
func TestInformationalCoercion(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	module.Tests = []*models.TestCase{
		{Name: "x.info", RequiredResult: models.RequiredResultInformational},
	}
	runtime.results[module.ContainerName] = `{"results":[
		{"name":"x.info","result":"Non-Compliant","recommendations":["tighten this"]}
	]}`

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := resultByName(t, sess, "x.info")
	if got.Result != models.ResultInformational {
		t.Errorf("Result = %q, expected Informational", got.Result)
	}
	if len(got.Recommendations) != 0 || len(got.OptionalRecommendations) != 1 {
		t.Errorf("Recommendations = %v, optional = %v", got.Recommendations, got.OptionalRecommendations)
	}
}

// TestModuleTimeout tests the wall-clock deadline and Error marking
func TestModuleTimeout(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	module.Timeout = 1
	runtime.runPolls[module.ContainerName] = 1 << 30 // never exits on its own

	second := connModule()
	second.Name = "dns"
	second.ContainerName = "tr-ct-dns-test"
	second.Tests = []*models.TestCase{{Name: "dns.network.from_dhcp", RequiredResult: models.RequiredResultRequired}}
	runtime.results[second.ContainerName] = `{"results":[{"name":"dns.network.from_dhcp","result":"Compliant"}]}`

	start := time.Now()
	err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module, second})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Timeout took far longer than the module deadline")
	}

	if len(runtime.killed) == 0 || runtime.killed[0] != module.ContainerName {
		t.Errorf("Timed-out container not killed: %v", runtime.killed)
	}
	for _, name := range []string{"connection.port_link", "connection.dhcp_address"} {
		if got := resultByName(t, sess, name).Result; got != models.ResultError {
			t.Errorf("%s = %q after timeout, expected Error", name, got)
		}
	}

	// The batch continued past the timed-out module.
	if got := resultByName(t, sess, "dns.network.from_dhcp").Result; got != models.ResultCompliant {
		t.Errorf("Subsequent module result = %q", got)
	}
}

// TestPhaseAbortSkipsRemaining tests the per-module phase re-check
func TestPhaseAbortSkipsRemaining(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	sess.SetPhase(models.PhaseStopping)

	module := connModule()
	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(runtime.started) != 0 {
		t.Error("Aborted batch still started a container")
	}
	for _, name := range []string{"connection.port_link", "connection.dhcp_address"} {
		if got := resultByName(t, sess, name).Result; got != models.ResultSkipped {
			t.Errorf("%s = %q, expected Skipped", name, got)
		}
	}
}

// TestDeviceDisconnect tests the link-state check in the wait loop
func TestDeviceDisconnect(t *testing.T) {
	r, sess, runtime, fabric := testEnv(t)
	module := connModule()
	runtime.runPolls[module.ContainerName] = 1 << 30
	fabric.linkDown = true

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.Phase() != models.PhaseCancelled {
		t.Errorf("Phase = %q after disconnect, expected Cancelled", sess.Phase())
	}
	if len(runtime.killed) == 0 {
		t.Error("Disconnect did not kill the module container")
	}
}

// TestMissingResultFile tests that a silent module yields Error per case
func TestMissingResultFile(t *testing.T) {
	r, sess, _, _ := testEnv(t)
	module := connModule()

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, name := range []string{"connection.port_link", "connection.dhcp_address"} {
		if got := resultByName(t, sess, name).Result; got != models.ResultError {
			t.Errorf("%s = %q, expected Error", name, got)
		}
	}
}

// TestUndeclaredAndUnreportedCases tests orphan dropping and Error backfill
func TestUndeclaredAndUnreportedCases(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	runtime.results[module.ContainerName] = `{"results":[
		{"name":"connection.port_link","result":"Compliant"},
		{"name":"connection.made_up","result":"Compliant"}
	]}`

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	results := sess.Results()
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, tc := range results {
		if tc.Name == "connection.made_up" {
			t.Error("Orphan result was kept")
		}
	}
	if got := resultByName(t, sess, "connection.dhcp_address").Result; got != models.ResultError {
		t.Errorf("Unreported case = %q, expected Error", got)
	}
}

// TestDeviceOverrideDisablesModule tests per-device module filtering
func TestDeviceOverrideDisablesModule(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	disabled := false
	device := sess.Device()
	device.TestModules = map[string]models.ModuleOverride{
		"conn": {Enabled: &disabled},
	}

	if err := r.Run(context.Background(), device, nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.TotalTests() != 0 {
		t.Errorf("Disabled module counted: total = %d", sess.TotalTests())
	}
	if len(runtime.started) != 0 {
		t.Error("Disabled module container was started")
	}
}

// TestEmptySelectionRunsNothing tests that an empty test_modules map selects
// zero modules, so the batch finishes with no containers and no results
func TestEmptySelectionRunsNothing(t *testing.T) {
	r, sess, runtime, _ := testEnv(t)
	module := connModule()
	device := sess.Device()
	device.TestModules = map[string]models.ModuleOverride{}

	if err := r.Run(context.Background(), device, nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.TotalTests() != 0 {
		t.Errorf("Empty selection counted tests: total = %d", sess.TotalTests())
	}
	if len(sess.Results()) != 0 {
		t.Errorf("Empty selection produced results: %d", len(sess.Results()))
	}
	if len(runtime.started) != 0 {
		t.Error("Empty selection started a container")
	}
}

// TestNetworkRequiredAttach tests the shared test-module fabric slot
func TestNetworkRequiredAttach(t *testing.T) {
	r, sess, runtime, fabric := testEnv(t)
	module := connModule()
	module.NetworkRequired = true
	runtime.results[module.ContainerName] = `{"results":[
		{"name":"connection.port_link","result":"Compliant"},
		{"name":"connection.dhcp_address","result":"Compliant"}
	]}`

	if err := r.Run(context.Background(), sess.Device(), nil, []*models.TestModule{module}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(fabric.attached) != 1 {
		t.Fatalf("Expected 1 attachment, got %d", len(fabric.attached))
	}
	attach := fabric.attached[0]
	if attach.MAC != "9a:02:57:1e:8f:09" || attach.IPv4 != "10.10.10.9/24" {
		t.Errorf("Attachment = %+v", attach)
	}
	if attach.Bridge != netcontrol.DeviceBridge {
		t.Errorf("Attachment bridge = %q", attach.Bridge)
	}
}
