package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"testrun/internal/certs"
	"testrun/internal/config"
	"testrun/internal/core"
	"testrun/internal/devices"
	"testrun/internal/history"
	"testrun/internal/listener"
	"testrun/internal/models"
	"testrun/internal/report"
	"testrun/internal/session"
	"testrun/internal/testpack"
)

const testMAC = "aa:bb:cc:00:11:22"

type stubNetwork struct {
	bus *listener.Bus
	lis *listener.Listener
}

func newStubNetwork() *stubNetwork {
	bus := listener.NewBus()
	return &stubNetwork{bus: bus, lis: listener.New("eth-stub", bus, nil)}
}

func (s *stubNetwork) Start(ctx context.Context) error     { return nil }
func (s *stubNetwork) Stop(ctx context.Context, kill bool) {}
func (s *stubNetwork) DeviceLinkUp() bool                  { return true }
func (s *stubNetwork) WritePortStats(stage string)         {}
func (s *stubNetwork) Bus() *listener.Bus                  { return s.bus }
func (s *stubNetwork) Listener() *listener.Listener        { return s.lis }

func (s *stubNetwork) PingDevice(ctx context.Context, ip string) bool { return true }

func (s *stubNetwork) Interfaces() ([]models.InterfaceInfo, error) {
	return nil, nil
}

type stubBatch struct{}

func (stubBatch) Run(ctx context.Context, device *models.Device, pack *testpack.Pack, modules []*models.TestModule) error {
	return nil
}

type stubModules struct{}

func (stubModules) LoadTestModules(ctx context.Context) error { return nil }
func (stubModules) TestModules() []*models.TestModule         { return nil }

func newTestRouter(t *testing.T) (*mux.Router, *session.Session) {
	t.Helper()
	root := t.TempDir()

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Network.DeviceIntf = "eth-dev"
	cfg.Network.InternetIntf = "eth-wan"

	repo, err := devices.NewRepository(cfg.DevicesDir())
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	if err := repo.Save(&models.Device{MACAddr: testMAC, Manufacturer: "Acme", Model: "X"}); err != nil {
		t.Fatalf("Failed to save device: %v", err)
	}

	certStore, err := certs.NewStore(cfg.RootCertsDir())
	if err != nil {
		t.Fatalf("Failed to create cert store: %v", err)
	}
	packs, err := testpack.Load(cfg.TestPacksDir())
	if err != nil {
		t.Fatalf("Failed to load test packs: %v", err)
	}
	hist, err := history.New(cfg.HistoryPath())
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	sess := session.New()
	c := core.New(cfg, sess, repo, certStore, packs, hist,
		stubModules{}, newStubNetwork(), stubBatch{}, report.NewAssembler())

	router := mux.NewRouter()
	NewSystemHandler(c).RegisterRoutes(router)
	NewDeviceHandler(c).RegisterRoutes(router)
	NewReportHandler(c, cfg.DevicesDir()).RegisterRoutes(router)
	return router, sess
}

func startBody(mac string) *bytes.Buffer {
	body, _ := json.Marshal(map[string]interface{}{
		"device": map[string]interface{}{"mac_addr": mac},
	})
	return bytes.NewBuffer(body)
}

func TestStartUnknownDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/start", startBody("00:11:22:33:44:55")))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, expected application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse error body: %v", err)
	}
	if body["error"] != "A device with that MAC address could not be found" {
		t.Errorf("Unexpected error body: %q", body["error"])
	}
}

func TestStartReturnsStartingSession(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/start", startBody(testMAC)))

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var snapshot models.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if snapshot.Status != string(models.PhaseStarting) {
		t.Errorf("Expected Starting status, got %q", snapshot.Status)
	}
}

func TestSecondStartConflicts(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/start", startBody(testMAC)))
	if rr.Code != http.StatusOK {
		t.Fatalf("First start failed: %v", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/start", startBody(testMAC)))
	if rr.Code != http.StatusConflict {
		t.Errorf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusConflict)
	}
}

func TestStopWithoutRun(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/stop", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestStartThenStop(t *testing.T) {
	router, sess := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/start", startBody(testMAC)))
	if rr.Code != http.StatusOK {
		t.Fatalf("Start failed: %v", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/system/stop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Stop failed: %v", rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.Phase() != models.PhaseCancelled {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sess.Phase(); got != models.PhaseCancelled {
		t.Errorf("Expected Cancelled after stop, got %q", got)
	}
}

func TestGetStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/system/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var status models.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if status.Status != string(models.PhaseIdle) {
		t.Errorf("Expected Idle status, got %q", status.Status)
	}
}

func TestGetDevices(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/devices", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var list []*models.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 1 || list[0].MACAddr != testMAC {
		t.Errorf("Unexpected device list: %+v", list)
	}
}

func TestSaveDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(models.Device{MACAddr: "bb:bb:cc:00:11:22", Manufacturer: "Acme", Model: "Y"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/devices", bytes.NewBuffer(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/devices", nil))
	var list []*models.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(list))
	}
}

func TestSaveInvalidDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(models.Device{MACAddr: "cc:cc:cc:00:11:22"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/devices", bytes.NewBuffer(body)))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestDeleteDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("DELETE", "/devices/"+testMAC, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("DELETE", "/devices/"+testMAC, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %v", rr.Code)
	}
}

func TestGetRunsUnknownDevice(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/reports/00:11:22:33:44:55", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestGetRunsEmpty(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/reports/"+testMAC, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestReportPathTraversalRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/report/..%2F..%2Fetc/passwd", nil))

	if rr.Code == http.StatusOK {
		t.Errorf("Expected traversal to be refused, got %v", rr.Code)
	}
}
