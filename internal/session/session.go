// Package session holds the single test session: the target device, the
// lifecycle phase, and the accumulated test results. Every mutation made
// while the session is not Idle is broadcast as a JSON status snapshot, so
// outer surfaces can mirror the run without polling.
package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// StatusTopic is the fixed topic status snapshots are published on.
const StatusTopic = "status"

// Subscriber receives published snapshots for one topic.
type Subscriber func(topic string, payload []byte)

// state is the raw session record. It carries no locking of its own; the
// Session wrapper serializes access and broadcasts after each mutation.
type state struct {
	phase         models.Phase
	device        *models.Device
	deviceIP      string
	started       models.Timestamp
	finished      models.Timestamp
	results       []*models.TestCase
	moduleReports []models.ModuleReport
	totalTests    int
	reportURL     string
	interfaces    []models.InterfaceInfo
	certs         []models.Certificate
}

// Session wraps the session state behind a mutex and publishes a status
// snapshot after every successful mutation that leaves the Idle phase.
type Session struct {
	mu          sync.Mutex
	s           state
	subscribers map[string][]Subscriber
	logger      zerolog.Logger
}

// New creates an Idle session with no target device.
func New() *Session {
	return &Session{
		s:           state{phase: models.PhaseIdle},
		subscribers: make(map[string][]Subscriber),
		logger:      log.With().Str("component", "session").Logger(),
	}
}

// Subscribe registers a subscriber for a topic. Deliveries happen on the
// mutating goroutine, after the mutation has been applied.
func (s *Session) Subscribe(topic string, fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[topic] = append(s.subscribers[topic], fn)
}

// broadcastLocked builds the status payload under the lock and returns the
// deliveries to make once the lock is released. Idle sessions stay silent.
func (s *Session) broadcastLocked() func() {
	if s.s.phase == models.PhaseIdle {
		return func() {}
	}
	subs := append([]Subscriber(nil), s.subscribers[StatusTopic]...)
	if len(subs) == 0 {
		return func() {}
	}
	payload, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal status snapshot")
		return func() {}
	}
	return func() {
		for _, fn := range subs {
			fn(StatusTopic, payload)
		}
	}
}

// Start resets the session for a new run against the given device.
func (s *Session) Start(device *models.Device) {
	s.mu.Lock()
	clone := *device
	s.s = state{
		phase:      models.PhaseStarting,
		device:     &clone,
		started:    models.Now(),
		interfaces: s.s.interfaces,
		certs:      s.s.certs,
	}
	s.logger.Info().Str("mac", clone.MACAddr).Msg("Session started")
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// SetPhase moves the session to a new phase. Terminal phases stamp the
// finished timestamp.
func (s *Session) SetPhase(phase models.Phase) {
	s.mu.Lock()
	if s.s.phase != phase {
		s.logger.Info().
			Str("from", string(s.s.phase)).
			Str("to", string(phase)).
			Msg("Phase changed")
	}
	s.s.phase = phase
	if phase.Terminal() && phase != models.PhaseIdle && s.s.finished.IsZero() {
		s.s.finished = models.Now()
	}
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// Reset returns the session to Idle, dropping the target device.
func (s *Session) Reset() {
	s.mu.Lock()
	s.s = state{
		phase:      models.PhaseIdle,
		interfaces: s.s.interfaces,
		certs:      s.s.certs,
	}
	s.mu.Unlock()
}

// SetDeviceIP records the IP the DUT obtained from DHCP.
func (s *Session) SetDeviceIP(ip string) {
	s.mu.Lock()
	s.s.deviceIP = ip
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// SetTotalTests records the declared test-case count for the run.
func (s *Session) SetTotalTests(n int) {
	s.mu.Lock()
	s.s.totalTests = n
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// AddResult merges a test-case record into the session: an existing record
// with the same name is updated in place, otherwise the record is appended.
func (s *Session) AddResult(tc *models.TestCase) {
	s.mu.Lock()
	existing := s.findLocked(tc.Name)
	if existing != nil {
		existing.Update(tc)
	} else {
		clone := *tc
		clone.Result = models.NormalizeResult(clone.Result)
		if clone.StartedAt.IsZero() {
			clone.StartedAt = models.Now()
		}
		s.s.results = append(s.s.results, &clone)
	}
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

func (s *Session) findLocked(name string) *models.TestCase {
	for _, tc := range s.s.results {
		if tc.Name == name {
			return tc
		}
	}
	return nil
}

// AddModuleReport stores the markdown report emitted by one module.
func (s *Session) AddModuleReport(module, markdown string) {
	s.mu.Lock()
	s.s.moduleReports = append(s.s.moduleReports, models.ModuleReport{
		Module:   module,
		Markdown: markdown,
	})
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// SetReportURL records where the finished report can be fetched.
func (s *Session) SetReportURL(url string) {
	s.mu.Lock()
	s.s.reportURL = url
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// SetInterfaces records the host NICs observed at startup.
func (s *Session) SetInterfaces(ifaces []models.InterfaceInfo) {
	s.mu.Lock()
	s.s.interfaces = append([]models.InterfaceInfo(nil), ifaces...)
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// SetCerts records the loaded CA certificates.
func (s *Session) SetCerts(certs []models.Certificate) {
	s.mu.Lock()
	s.s.certs = append([]models.Certificate(nil), certs...)
	deliver := s.broadcastLocked()
	s.mu.Unlock()
	deliver()
}

// Phase returns the current phase.
func (s *Session) Phase() models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.phase
}

// Device returns a copy of the target device, or nil outside a run.
func (s *Session) Device() *models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s.device == nil {
		return nil
	}
	clone := *s.s.device
	return &clone
}

// DeviceIP returns the DUT's assigned IP, or "" before the DHCP lease.
func (s *Session) DeviceIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.deviceIP
}

// Started returns the run's start timestamp.
func (s *Session) Started() models.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.started
}

// TotalTests returns the declared test-case count.
func (s *Session) TotalTests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.totalTests
}

// Results returns deep copies of the accumulated test-case records, in
// insertion order.
func (s *Session) Results() []*models.TestCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyResults(s.s.results)
}

// Interfaces returns the host NICs observed at startup.
func (s *Session) Interfaces() []models.InterfaceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InterfaceInfo(nil), s.s.interfaces...)
}

// Certs returns the loaded CA certificates.
func (s *Session) Certs() []models.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Certificate(nil), s.s.certs...)
}

// Snapshot returns the session as a report-shaped record: the status payload
// broadcast to subscribers and served by the status operation.
func (s *Session) Snapshot() models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() models.Report {
	report := models.Report{
		Status:   string(s.s.phase),
		Started:  s.s.started,
		Finished: s.s.finished,
		Tests: models.TestsSummary{
			Total:   s.s.totalTests,
			Results: copyResults(s.s.results),
		},
		ModuleReports: append([]models.ModuleReport(nil), s.s.moduleReports...),
		ReportURL:     s.s.reportURL,
		Interfaces:    append([]models.InterfaceInfo(nil), s.s.interfaces...),
		Certs:         append([]models.Certificate(nil), s.s.certs...),
	}
	if s.s.device != nil {
		report.Device = *s.s.device
	}
	return report
}

func copyResults(results []*models.TestCase) []*models.TestCase {
	out := make([]*models.TestCase, 0, len(results))
	for _, tc := range results {
		clone := *tc
		out = append(out, &clone)
	}
	return out
}
