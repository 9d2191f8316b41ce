package report

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncrSearches()
	m.IncrInjectFailure("process_open_failed")
	m.RecordCycle(&CycleResult{Error: "boom"})
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncrCyclesStarted()
	m.IncrSearches()
	m.IncrSearches()
	m.IncrInjectFailure("thread_creation_failed")
	m.IncrLinesForwarded()
	m.RecordCycle(NewCycleResult("a", 1, "svc.exe", 7, time.Now(), time.Now(), "injecting", "thread_creation_failed", errors.New("x"), 0))

	snap := m.Snapshot()
	if snap["searches"] != 2 {
		t.Errorf("Expected 2 searches, got %d", snap["searches"])
	}
	if snap["cycles_failed"] != 1 {
		t.Errorf("Expected 1 failed cycle, got %d", snap["cycles_failed"])
	}
	if snap["inject_failed_thread_creation_failed"] != 1 {
		t.Errorf("Expected inject failure count, got %v", snap)
	}
}

func TestFailureLogRing(t *testing.T) {
	fl := NewFailureLog(2)
	fl.Record(&CycleResult{AttachID: "clean"})
	for _, id := range []string{"a", "b", "c"} {
		fl.Record(&CycleResult{AttachID: id, Error: "failed"})
	}

	if fl.Count() != 2 {
		t.Fatalf("Expected 2 samples, got %d", fl.Count())
	}
	recent := fl.Recent(0)
	if recent[0].AttachID != "c" || recent[1].AttachID != "b" {
		t.Errorf("Expected newest first [c b], got [%s %s]", recent[0].AttachID, recent[1].AttachID)
	}
}

func TestExporterCollect(t *testing.T) {
	m := NewMetrics()
	m.IncrInjectFailure("memory_write_failed")

	e := NewExporter(m, func() string { return "tailing" })
	// 12 counters + 1 inject failure kind + 4 phases
	if n := testutil.CollectAndCount(e); n != 17 {
		t.Errorf("Expected 17 metrics, got %d", n)
	}
}

func TestServerRoutes(t *testing.T) {
	m := NewMetrics()
	m.IncrSearches()
	failures := NewFailureLog(10)
	failures.Record(&CycleResult{AttachID: "x1", Error: "ProcessOpenFailed"})

	srv, err := NewServer("127.0.0.1:0", NewExporter(m, nil), func() any {
		return map[string]string{"phase": "searching"}
	}, failures, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Bad status body: %v", err)
	}
	if status["phase"] != "searching" {
		t.Errorf("Expected phase searching, got %q", status["phase"])
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `querytap_events_total{event="searches"} 1`) {
		t.Errorf("Metrics output missing searches counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failures", nil))
	if !strings.Contains(rec.Body.String(), "x1") {
		t.Errorf("Failures output missing sample: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from healthz, got %d", rec.Code)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.IncrLinesForwarded()
	m.IncrLinesForwarded()

	reg, err := NewRegistry(NewExporter(m, func() string { return "searching" }))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "querytap.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`querytap_events_total{event="lines_forwarded"} 2`,
		`querytap_phase{phase="searching"} 1`,
		`# TYPE querytap_events_total counter`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Textfile missing %q:\n%s", want, out)
		}
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the final file to remain, got %d entries", len(entries))
	}
}

func TestServerRequiresToken(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	guard, err := NewTokenGuard(hash)
	if err != nil {
		t.Fatalf("NewTokenGuard failed: %v", err)
	}

	srv, err := NewServer("127.0.0.1:0", NewExporter(NewMetrics(), nil), nil, nil, zap.NewNop(), WithTokenGuard(guard))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	router := srv.Router()

	get := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := get("/status", ""); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", code)
	}
	if code := get("/metrics", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", code)
	}
	if code := get("/status", "Bearer "+token); code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", code)
	}
	// second request hits the accepted-token cache
	if code := get("/failures", "Bearer "+token); code != http.StatusOK {
		t.Errorf("Expected 200 with cached token, got %d", code)
	}
	if code := get("/healthz", ""); code != http.StatusOK {
		t.Errorf("Expected healthz to stay open, got %d", code)
	}
}

func TestNewTokenGuard(t *testing.T) {
	g, err := NewTokenGuard("")
	if err != nil {
		t.Fatalf("Empty hash should disable the guard: %v", err)
	}
	if err := g.Validate(""); err != nil {
		t.Errorf("Disabled guard rejected request: %v", err)
	}

	if _, err := NewTokenGuard("not-a-bcrypt-hash"); err == nil {
		t.Error("Expected error for malformed hash")
	}
}
