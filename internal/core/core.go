// Package core is the control facade of the Testrun orchestration core. It
// exposes start/stop/status/shutdown and the device and report queries the
// HTTP layer consumes, and drives the run lifecycle: fabric bring-up, device
// discovery, the monitor window, the test batch, and report assembly.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/certs"
	"testrun/internal/config"
	"testrun/internal/devices"
	"testrun/internal/history"
	"testrun/internal/listener"
	"testrun/internal/models"
	"testrun/internal/report"
	"testrun/internal/session"
	"testrun/internal/testpack"
)

// Facade errors. The HTTP adapter maps these onto status codes.
var (
	ErrDeviceNotFound  = errors.New("A device with that MAC address could not be found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrAlreadyRunning  = errors.New("a test run is already in progress")
	ErrNotRunning      = errors.New("no test run is in progress")
	ErrNetworkNotReady = errors.New("network is not ready")
	ErrBusy            = errors.New("a test run is in progress, stop it first")
)

// linkPollInterval is how often the device link state is probed while a run
// waits on the DUT. Tests shorten it.
var linkPollInterval = time.Second

// Network is the slice of the orchestrator the facade drives.
type Network interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, kill bool)
	DeviceLinkUp() bool
	PingDevice(ctx context.Context, ip string) bool
	WritePortStats(stage string)
	Interfaces() ([]models.InterfaceInfo, error)
	Bus() *listener.Bus
	Listener() *listener.Listener
}

// Batch runs the test module sequence for a device.
type Batch interface {
	Run(ctx context.Context, device *models.Device, pack *testpack.Pack, modules []*models.TestModule) error
}

// Modules is the slice of the registry the facade drives.
type Modules interface {
	LoadTestModules(ctx context.Context) error
	TestModules() []*models.TestModule
}

// Core wires the orchestration components together behind one facade.
type Core struct {
	cfg       *config.Config
	sess      *session.Session
	repo      *devices.Repository
	certs     *certs.Store
	packs     *testpack.Loader
	history   *history.DB
	registry  Modules
	orch      Network
	runner    Batch
	assembler *report.Assembler
	logger    zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the facade and subscribes it to the listener events.
func New(cfg *config.Config, sess *session.Session, repo *devices.Repository,
	certStore *certs.Store, packs *testpack.Loader, hist *history.DB,
	reg Modules, orch Network, run Batch, assembler *report.Assembler) *Core {

	c := &Core{
		cfg:       cfg,
		sess:      sess,
		repo:      repo,
		certs:     certStore,
		packs:     packs,
		history:   hist,
		registry:  reg,
		orch:      orch,
		runner:    run,
		assembler: assembler,
		logger:    log.With().Str("component", "core").Logger(),
	}
	bus := orch.Bus()
	bus.Subscribe(listener.EventDeviceDiscovered, c.onDeviceDiscovered)
	bus.Subscribe(listener.EventDHCPLeaseAck, c.onLeaseAck)
	bus.Subscribe(listener.EventDeviceStable, c.onDeviceStable)
	return c
}

// Status returns the session snapshot. Always legal.
func (c *Core) Status() models.Report {
	return c.sess.Snapshot()
}

// Devices lists the known device profiles.
func (c *Core) Devices() []*models.Device {
	return c.repo.List()
}

// SaveDevice persists a device profile.
func (c *Core) SaveDevice(device *models.Device) error {
	if err := c.repo.Save(device); err != nil {
		if errors.Is(err, devices.ErrInvalid) || errors.Is(err, devices.ErrDuplicate) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return err
	}
	return nil
}

// DeleteDevice removes a device profile and its run history. Deletion is
// refused while the device is the target of an active session.
func (c *Core) DeleteDevice(mac string) error {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if target := c.sess.Device(); target != nil &&
		target.MACAddr == normalized && c.sess.Phase().Active() {
		return ErrBusy
	}
	if err := c.repo.Delete(normalized); err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	if _, err := c.history.DeleteRunsForDevice(normalized); err != nil {
		c.logger.Warn().Err(err).Str("mac", normalized).Msg("Failed to clear run history")
	}
	return nil
}

// Runs lists the recorded runs for a device, most recent first.
func (c *Core) Runs(mac string) ([]*history.Run, error) {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := c.repo.Get(normalized); err != nil {
		return nil, ErrDeviceNotFound
	}
	return c.history.RunsForDevice(normalized)
}

// Start begins a test run for a device. Returns the session snapshot in
// phase Starting; the run proceeds asynchronously.
func (c *Core) Start(mac, firmware string, overrides map[string]models.ModuleOverride) (models.Report, error) {
	if mac == "" {
		return models.Report{}, fmt.Errorf("%w: mac_addr is required", ErrInvalidRequest)
	}
	device, err := c.repo.Get(mac)
	if err != nil {
		if errors.Is(err, devices.ErrInvalid) {
			return models.Report{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return models.Report{}, ErrDeviceNotFound
	}
	if err := c.cfg.Validate(); err != nil {
		return models.Report{}, fmt.Errorf("%w: %v", ErrNetworkNotReady, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Phase().Active() {
		return models.Report{}, ErrAlreadyRunning
	}

	if firmware != "" {
		device.Firmware = firmware
	}
	if overrides != nil {
		device.TestModules = overrides
	}
	if _, err := c.packs.Get(device.TestPack); err != nil {
		return models.Report{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.sess.Start(device)
	go c.bringUp(ctx, device)

	return c.sess.Snapshot(), nil
}

// bringUp runs the start sequence off the caller's goroutine: fabric, module
// images, then the wait for the DUT.
func (c *Core) bringUp(ctx context.Context, device *models.Device) {
	if err := c.orch.Start(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Network bring-up failed")
		c.sess.SetPhase(models.PhaseCancelled)
		return
	}
	if err := c.registry.LoadTestModules(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Test module load failed")
		c.abort(ctx, "module build failed")
		return
	}

	if ifaces, err := c.orch.Interfaces(); err == nil {
		c.sess.SetInterfaces(ifaces)
	}
	c.sess.SetCerts(c.certs.List())

	// A stop during bring-up must not resurrect the session.
	if ctx.Err() != nil {
		return
	}
	c.sess.SetPhase(models.PhaseWaitingForDevice)
	c.logger.Info().Str("mac", device.MACAddr).Msg("Waiting for device")

	go c.watchLink(ctx)
}

// watchLink polls the device interface while a run waits on the DUT; a
// dropped link cancels the run.
func (c *Core) watchLink(ctx context.Context) {
	ticker := time.NewTicker(linkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		phase := c.sess.Phase()
		if phase != models.PhaseWaitingForDevice && phase != models.PhaseMonitoring {
			return
		}
		if !c.orch.DeviceLinkUp() {
			c.logger.Warn().Msg("Device interface went down")
			c.abort(ctx, "device disconnected")
			return
		}
	}
}

// onDeviceDiscovered handles the DUT's first packet: it snapshots the device
// profile into the runtime directory and drives the startup capture, the
// monitor window, and the phase transitions between them.
func (c *Core) onDeviceDiscovered(ev listener.Event) {
	device := c.sess.Device()
	if device == nil || c.sess.Phase() != models.PhaseWaitingForDevice {
		return
	}
	if ev.MAC != device.MACAddr {
		c.logger.Debug().Str("mac", ev.MAC).Msg("Ignoring non-target device")
		return
	}

	c.logger.Info().Str("mac", ev.MAC).Msg("Target device discovered")
	testDir := c.cfg.RuntimeTestDir(models.MACForPath(device.MACAddr))
	if err := c.snapshotDevice(device, testDir); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to snapshot device profile")
	}

	capture, err := c.orch.Listener().StartStartupCapture(
		filepath.Join(testDir, "startup.pcap"),
		func() bool { return c.sess.DeviceIP() != "" },
	)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to start startup capture")
		c.abort(context.Background(), "capture failed")
		return
	}

	go c.awaitLease(capture, testDir)
}

// awaitLease waits for the DUT to obtain an IP, then runs the monitor window.
func (c *Core) awaitLease(capture *listener.Capture, testDir string) {
	timeout := time.Duration(c.cfg.StartupTimeout) * time.Second
	ctx := c.runContext()
	if ctx == nil {
		return
	}

	c.orch.Listener().WaitCapture(ctx, capture, timeout)
	ip := c.sess.DeviceIP()
	if ip == "" {
		c.logger.Warn().Msg("No DHCP lease within the startup timeout")
		c.abort(ctx, "IP timeout")
		return
	}
	if c.sess.Phase() != models.PhaseWaitingForDevice {
		return
	}

	if !c.orch.PingDevice(ctx, ip) {
		c.logger.Warn().Str("ip", ip).Msg("Device holds a lease but does not answer ICMP")
	}

	c.sess.SetPhase(models.PhaseMonitoring)
	c.orch.WritePortStats("pre")

	period := time.Duration(c.cfg.MonitorPeriod) * time.Second
	device := c.sess.Device()
	err := c.orch.Listener().RunMonitor(ctx, filepath.Join(testDir, "monitor.pcap"), period, device.MACAddr)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Monitor window ended early")
	}
}

// onLeaseAck records the DUT's assigned IP.
func (c *Core) onLeaseAck(ev listener.Event) {
	device := c.sess.Device()
	if device == nil || ev.MAC != device.MACAddr {
		return
	}
	c.logger.Info().Str("ip", ev.IP).Msg("Device obtained an IP")
	c.sess.SetDeviceIP(ev.IP)
}

// onDeviceStable hands control to the test batch once the monitor window
// closes.
func (c *Core) onDeviceStable(ev listener.Event) {
	device := c.sess.Device()
	if device == nil || ev.MAC != device.MACAddr || c.sess.Phase() != models.PhaseMonitoring {
		return
	}
	c.orch.WritePortStats("post")
	c.sess.SetPhase(models.PhaseInProgress)

	ctx := c.runContext()
	if ctx == nil {
		return
	}
	go c.runBatch(ctx, device)
}

// runBatch executes the test modules and assembles the report.
func (c *Core) runBatch(ctx context.Context, device *models.Device) {
	pack, err := c.packs.Get(device.TestPack)
	if err != nil {
		c.logger.Error().Err(err).Msg("Test pack vanished mid-run")
		c.abort(ctx, "test pack missing")
		return
	}
	if err := c.runner.Run(ctx, device, pack, c.registry.TestModules()); err != nil {
		c.logger.Error().Err(err).Msg("Test batch failed")
	}
	c.finalize(ctx, device)
}

// finalize computes the verdict, writes and saves the report, enforces
// retention, records the run, and tears the network down.
func (c *Core) finalize(ctx context.Context, device *models.Device) {
	defer c.orch.Stop(ctx, true)

	if c.sess.Phase() != models.PhaseInProgress {
		c.logger.Warn().Str("phase", string(c.sess.Phase())).Msg("Run aborted, no report written")
		return
	}

	verdict := c.assembler.Verdict(c.sess.Results())
	started := c.sess.Started()

	snapshot := c.sess.Snapshot()
	snapshot.Status = verdict
	snapshot.Finished = models.Now()
	snapshot.ReportURL = c.reportURL(device, started)

	testDir := c.cfg.RuntimeTestDir(models.MACForPath(device.MACAddr))
	if err := c.assembler.WriteArtifacts(&snapshot, testDir); err != nil {
		c.logger.Error().Err(err).Msg("Failed to write report artefacts")
		c.sess.SetPhase(models.PhaseCancelled)
		return
	}
	if _, err := c.assembler.Save(testDir, c.repo.ReportsDir(device), started); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save report")
		c.sess.SetPhase(models.PhaseCancelled)
		return
	}

	maxReports := device.MaxDeviceReports
	if maxReports == 0 {
		maxReports = c.cfg.MaxDeviceReports
	}
	if err := c.assembler.EnforceRetention(c.repo.ReportsDir(device), maxReports); err != nil {
		c.logger.Warn().Err(err).Msg("Report retention failed")
	}

	c.sess.SetReportURL(snapshot.ReportURL)
	if _, err := c.history.RecordRun(&snapshot); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record run history")
	}

	if verdict == models.ResultCompliant {
		c.sess.SetPhase(models.PhaseCompliant)
	} else {
		c.sess.SetPhase(models.PhaseNonCompliant)
	}
	c.logger.Info().Str("verdict", verdict).Msg("Run complete")
}

// Stop cancels the current run. Stopping an already-terminal session is
// accepted and only repeats the teardown; stopping an Idle session is an
// error.
func (c *Core) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	phase := c.sess.Phase()
	if phase == models.PhaseIdle {
		return ErrNotRunning
	}

	if !phase.Terminal() {
		c.sess.SetPhase(models.PhaseStopping)
	}
	if cancel != nil {
		cancel()
	}
	c.orch.Stop(context.Background(), true)
	if !phase.Terminal() {
		c.sess.SetPhase(models.PhaseCancelled)
	}
	c.logger.Info().Msg("Run stopped")
	return nil
}

// Shutdown refuses while a run is underway, then releases resources.
func (c *Core) Shutdown() error {
	switch c.sess.Phase() {
	case models.PhaseStarting, models.PhaseWaitingForDevice, models.PhaseMonitoring,
		models.PhaseValidating, models.PhaseInProgress:
		return ErrBusy
	}
	if err := c.history.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close run history")
	}
	c.sess.Reset()
	return nil
}

// abort cancels the run with a terminal Cancelled phase and tears the
// network down.
func (c *Core) abort(ctx context.Context, cause string) {
	c.logger.Warn().Str("cause", cause).Msg("Run cancelled")
	c.sess.SetPhase(models.PhaseCancelled)
	c.orch.Stop(ctx, true)
}

// runContext returns the active run's context, or nil after Stop.
func (c *Core) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return nil
	}
	return c.ctx
}

// snapshotDevice copies the device profile into the run's test directory.
func (c *Core) snapshotDevice(device *models.Device, testDir string) error {
	if err := os.MkdirAll(testDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(testDir, "device_config.json"), data, 0644)
}

// reportURL builds the externally served URL of a saved report.
func (c *Core) reportURL(device *models.Device, started models.Timestamp) string {
	base := c.cfg.APIURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.cfg.APIPort)
	}
	return fmt.Sprintf("%s/report/%s/%s", base, device.Folder(), started.Folder())
}
