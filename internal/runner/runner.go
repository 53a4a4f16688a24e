// Package runner executes the test modules for one device, strictly
// serially. Each module container gets the run's artefacts mounted in, a
// wall-clock deadline, and its logs streamed to the host; its result JSON is
// merged into the session when it exits.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"testrun/internal/config"
	"testrun/internal/container"
	"testrun/internal/models"
	"testrun/internal/netcontrol"
	"testrun/internal/session"
	"testrun/internal/testpack"
)

// pollInterval is the container status polling period. Tests shorten it.
var pollInterval = time.Second

// Runtime is the slice of the container manager the runner drives.
// *container.Manager implements it.
type Runtime interface {
	Start(ctx context.Context, spec container.Spec) error
	Pid(ctx context.Context, name string) (int, error)
	Status(ctx context.Context, name string) string
	Kill(ctx context.Context, name string)
	StreamLogs(ctx context.Context, name string, fn func(line string)) error
}

// Fabric is the slice of interface control the runner drives.
// *netcontrol.Control implements it.
type Fabric interface {
	ConfigureContainerInterface(attach netcontrol.ContainerInterface) bool
	LinkUp(iface string) bool
}

// Runner drives the serial test-module batch for the current session.
type Runner struct {
	cfg     *config.Config
	sess    *session.Session
	runtime Runtime
	fabric  Fabric
	logger  zerolog.Logger
}

// New creates a runner bound to the session.
func New(cfg *config.Config, sess *session.Session, runtime Runtime, fabric Fabric) *Runner {
	return &Runner{
		cfg:     cfg,
		sess:    sess,
		runtime: runtime,
		fabric:  fabric,
		logger:  log.With().Str("component", "runner").Logger(),
	}
}

// moduleRun is one module with its effective test cases for this device.
type moduleRun struct {
	module *models.TestModule
	cases  []*models.TestCase
}

// plan filters the modules down to those enabled for the device and applies
// the device's test pack to each module's declared cases.
func (r *Runner) plan(device *models.Device, pack *testpack.Pack, modules []*models.TestModule) []moduleRun {
	var runs []moduleRun
	for _, module := range modules {
		if !module.Enabled || !module.EnableContainer {
			continue
		}
		if !device.ModuleEnabled(module.Name) {
			continue
		}
		cases := pack.Apply(module.DeclaredCases())
		runs = append(runs, moduleRun{module: module, cases: cases})
	}
	return runs
}

// Run executes the batch. Modules run in registry order; each re-checks the
// session phase before starting, so a Stop mid-batch skips the remainder.
func (r *Runner) Run(ctx context.Context, device *models.Device, pack *testpack.Pack, modules []*models.TestModule) error {
	runs := r.plan(device, pack, modules)

	total := 0
	for _, run := range runs {
		total += len(run.cases)
	}
	r.sess.SetTotalTests(total)
	r.logger.Info().Int("modules", len(runs)).Int("tests", total).Msg("Test batch starting")

	for _, run := range runs {
		if r.sess.Phase() != models.PhaseInProgress {
			r.logger.Warn().
				Str("module", run.module.Name).
				Str("phase", string(r.sess.Phase())).
				Msg("Batch aborted, skipping remaining modules")
			r.markAll(run.cases, models.ResultSkipped, "Test batch was aborted")
			continue
		}
		if err := r.runModule(ctx, device, run); err != nil {
			// One bad module never aborts the batch.
			r.logger.Error().Err(err).Str("module", run.module.Name).Msg("Module failed")
			r.markAll(run.cases, models.ResultError, err.Error())
		}
	}
	return nil
}

// markAll records one result value for every declared case of a module.
func (r *Runner) markAll(cases []*models.TestCase, result, details string) {
	for _, tc := range cases {
		record := *tc
		record.Result = result
		record.Details = details
		r.sess.AddResult(&record)
	}
}

// runModule executes one module container to completion.
func (r *Runner) runModule(ctx context.Context, device *models.Device, run moduleRun) error {
	module := run.module
	r.logger.Info().Str("module", module.Name).Msg("Running test module")

	// Declared cases are seeded up front so a module that exits without
	// reporting still leaves a record per case.
	for _, tc := range run.cases {
		record := *tc
		record.Result = models.ResultInProgress
		r.sess.AddResult(&record)
	}

	outputDir := filepath.Join(r.cfg.RuntimeTestDir(models.MACForPath(device.MACAddr)), module.Name)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create module output dir: %w", err)
	}

	spec, err := r.containerSpec(device, module, outputDir)
	if err != nil {
		return err
	}
	if err := r.runtime.Start(ctx, spec); err != nil {
		return fmt.Errorf("failed to start module container: %w", err)
	}
	defer r.runtime.Kill(ctx, module.ContainerName)

	if module.NetworkRequired {
		if err := r.attach(ctx, module); err != nil {
			return err
		}
	}

	logPath := filepath.Join(outputDir, "module.log")
	stopLogs := r.streamLogs(ctx, module, logPath)
	defer stopLogs()

	if err := r.waitForExit(ctx, run); err != nil {
		return err
	}

	r.ingestResults(outputDir, run)
	r.ingestModuleReport(outputDir, module)
	return nil
}

// containerSpec builds the mount set and environment for a module container.
func (r *Runner) containerSpec(device *models.Device, module *models.TestModule, outputDir string) (container.Spec, error) {
	mac := models.MACForPath(device.MACAddr)
	testDir := r.cfg.RuntimeTestDir(mac)

	overrides, err := encodeOverrides(device)
	if err != nil {
		return container.Spec{}, err
	}

	deviceMAC, _ := interfaceMAC(r.cfg.Network.DeviceIntf)
	logLevel := module.LogLevel
	if logLevel == "" {
		logLevel = r.cfg.LogLevel
	}

	spec := container.Spec{
		Name:        module.ContainerName,
		Image:       module.Image,
		Privileged:  true,
		NetworkMode: "none",
		CapAdd:      []string{"NET_ADMIN"},
		Env: []string{
			"TZ=" + os.Getenv("TZ"),
			"HOST_USER=" + os.Getenv("USER"),
			"DEVICE_MAC=" + device.MACAddr,
			"IPV4_ADDR=" + r.sess.DeviceIP(),
			"DEVICE_TEST_MODULES=" + overrides,
			"DEVICE_TEST_PACK=" + device.TestPack,
			"IPV4_SUBNET=" + models.IPv4Subnet,
			"IPV6_SUBNET=" + models.IPv6Subnet,
			"DEVICE_INTF=" + r.cfg.Network.DeviceIntf,
			"DEVICE_INTF_MAC=" + deviceMAC,
			"LOG_LEVEL=" + logLevel,
		},
		Mounts: []container.Mount{
			{Source: outputDir, Target: "/runtime/output"},
			{Source: r.cfg.RuntimeNetworkDir(), Target: "/runtime/network", ReadOnly: true},
			{Source: filepath.Join(testDir, "startup.pcap"), Target: "/runtime/device/startup.pcap", ReadOnly: true},
			{Source: filepath.Join(testDir, "monitor.pcap"), Target: "/runtime/device/monitor.pcap", ReadOnly: true},
			{Source: filepath.Join(r.cfg.RuntimeDir(), "conf", "system.json"), Target: "/testrun/system.json", ReadOnly: true},
			{Source: r.cfg.RootCertsDir(), Target: "/testrun/root_certs", ReadOnly: true},
		},
	}
	return spec, nil
}

// attach plumbs a network-required module onto the device bridge at the
// shared test-module slot.
func (r *Runner) attach(ctx context.Context, module *models.TestModule) error {
	pid, err := r.runtime.Pid(ctx, module.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to resolve module container pid: %w", err)
	}
	attach := netcontrol.ContainerInterface{
		ContainerName: module.ContainerName,
		ContainerPID:  pid,
		Bridge:        netcontrol.DeviceBridge,
		MAC:           models.MACForIndex(models.TestModuleIPIndex),
		IPv4:          models.IPv4ForIndex(models.TestModuleIPIndex) + "/24",
		IPv6:          models.IPv6ForIndex(models.TestModuleIPIndex) + "/64",
	}
	if !r.fabric.ConfigureContainerInterface(attach) {
		return fmt.Errorf("failed to attach module container to %s", netcontrol.DeviceBridge)
	}
	return nil
}

// streamLogs copies container log lines into module.log and forwards them to
// the host logger. Returns a function that waits for the stream to drain.
func (r *Runner) streamLogs(ctx context.Context, module *models.TestModule, logPath string) func() {
	file, err := os.Create(logPath)
	if err != nil {
		r.logger.Warn().Err(err).Str("module", module.Name).Msg("Failed to create module log")
		return func() {}
	}

	moduleLogger := r.logger.With().Str("module", module.Name).Logger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer file.Close()
		err := r.runtime.StreamLogs(ctx, module.ContainerName, func(line string) {
			fmt.Fprintln(file, line)
			moduleLogger.Debug().Msg(line)
		})
		if err != nil && ctx.Err() == nil {
			moduleLogger.Warn().Err(err).Msg("Log stream ended with error")
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// waitForExit polls the container until it exits, the module deadline
// expires, the session phase leaves InProgress, or the device link drops.
func (r *Runner) waitForExit(ctx context.Context, run moduleRun) error {
	module := run.module
	timeout := module.Timeout
	if timeout <= 0 {
		timeout = models.DefaultModuleTimeout
	}
	deadline := time.Now().Add(time.Duration(timeout) * time.Second)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if r.runtime.Status(ctx, module.ContainerName) != "running" {
			return nil
		}
		if r.sess.Phase() != models.PhaseInProgress {
			r.runtime.Kill(ctx, module.ContainerName)
			return fmt.Errorf("session left In Progress during %s", module.Name)
		}
		if !r.fabric.LinkUp(r.cfg.Network.DeviceIntf) {
			r.runtime.Kill(ctx, module.ContainerName)
			r.sess.SetPhase(models.PhaseCancelled)
			return fmt.Errorf("device disconnected during %s", module.Name)
		}
		if time.Now().After(deadline) {
			r.runtime.Kill(ctx, module.ContainerName)
			return fmt.Errorf("module %s exceeded its %d second timeout", module.Name, timeout)
		}

		select {
		case <-ctx.Done():
			r.runtime.Kill(ctx, module.ContainerName)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ingestResults reads the module's result JSON and merges each reported case
// into the session. The parse is tolerant: unknown keys are ignored and a
// boolean result is accepted alongside the string form. Reported names that
// match no declared case are dropped.
func (r *Runner) ingestResults(outputDir string, run moduleRun) {
	path := filepath.Join(outputDir, run.module.Name+"-result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn().Str("module", run.module.Name).Msg("Module produced no result file")
		r.markAll(run.cases, models.ResultError, "Module produced no results")
		return
	}

	declared := make(map[string]bool, len(run.cases))
	for _, tc := range run.cases {
		declared[tc.Name] = true
	}

	reported := make(map[string]bool)
	for _, entry := range gjson.ParseBytes(data).Get("results").Array() {
		name := entry.Get("name").String()
		if name == "" {
			continue
		}
		if !declared[name] {
			r.logger.Warn().
				Str("module", run.module.Name).
				Str("test", name).
				Msg("Module reported an undeclared test case")
			continue
		}
		reported[name] = true

		record := &models.TestCase{
			Name:        name,
			Description: entry.Get("description").String(),
			Result:      entry.Get("result").String(),
			Details:     entry.Get("details").String(),
		}
		if recs := entry.Get("recommendations"); recs.IsArray() {
			record.Recommendations = []string{}
			for _, rec := range recs.Array() {
				record.Recommendations = append(record.Recommendations, rec.String())
			}
		}
		for _, tag := range entry.Get("tags").Array() {
			record.Tags = append(record.Tags, tag.String())
		}
		r.sess.AddResult(record)
	}

	// A declared case the module never reported is an error, not a pass.
	for _, tc := range run.cases {
		if reported[tc.Name] {
			continue
		}
		record := *tc
		record.Result = models.ResultError
		record.Details = "Module did not report this test"
		r.sess.AddResult(&record)
	}
}

// ingestModuleReport picks up the module's markdown report when it wrote one.
func (r *Runner) ingestModuleReport(outputDir string, module *models.TestModule) {
	data, err := os.ReadFile(filepath.Join(outputDir, module.Name+"-report.md"))
	if err != nil {
		return
	}
	r.sess.AddModuleReport(module.Name, string(data))
}

// encodeOverrides serializes the device's per-module overrides for the
// DEVICE_TEST_MODULES environment variable.
func encodeOverrides(device *models.Device) (string, error) {
	if len(device.TestModules) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(device.TestModules)
	if err != nil {
		return "", fmt.Errorf("failed to encode module overrides: %w", err)
	}
	return string(data), nil
}

// interfaceMAC reads a host NIC's MAC, best-effort.
func interfaceMAC(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	return iface.HardwareAddr.String(), nil
}
