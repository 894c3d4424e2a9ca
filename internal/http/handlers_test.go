package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"microclaw/host/internal/logging"
)

type stubReadiness struct {
	connected int
	pending   int
	uptime    time.Duration
	err       error
}

func (s *stubReadiness) SnapshotDeviceCounts() (int, int) { return s.connected, s.pending }
func (s *stubReadiness) StartupError() error              { return s.err }
func (s *stubReadiness) Uptime() time.Duration            { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubOTATrigger struct {
	deviceID string
	version  string
	err      error
	calls    int
}

func (s *stubOTATrigger) StartOTA(ctx context.Context, deviceID, version string) error {
	s.calls++
	s.deviceID = deviceID
	s.version = version
	return s.err
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{connected: 3, pending: 1, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status         string  `json:"status"`
		Message        string  `json:"message"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Connected      int     `json:"connected_devices"`
		PendingDevices int     `json:"pending_devices"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Connected != 3 || payload.PendingDevices != 1 {
		t.Fatalf("unexpected device counts: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	readiness := &stubReadiness{connected: 2, pending: 1, uptime: 90 * time.Second}

	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		Stats: func() (uint64, uint64) {
			return 4, 2
		},
		Queue: func() (int, int) { return 1, 3 },
		Bus:   func() (uint64, int) { return 42, 9 },
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"microclaw_gateway_uptime_seconds 90",
		"microclaw_gateway_connected_devices 2",
		"microclaw_gateway_pending_devices 1",
		"microclaw_bus_messages_published_total 4",
		"microclaw_bus_messages_replayed_total 2",
		"microclaw_bus_last_seq 42",
		"microclaw_bus_rows 9",
		"microclaw_queue_inflight 1",
		"microclaw_queue_groups 3",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestOTAStartHandlerAuthAndRateLimits(t *testing.T) {
	trigger := &stubOTATrigger{}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		OTA:         trigger,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		body := strings.NewReader(`{"device_id":"microclaw-device","version":"1.2.3"}`)
		req := httptest.NewRequest(http.MethodPost, "/admin/ota/start", body)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.OTAStartHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for authorised request, got %d", resp.Code)
	}
	if trigger.calls != 1 || trigger.deviceID != "microclaw-device" || trigger.version != "1.2.3" {
		t.Fatalf("unexpected trigger invocation: %+v", trigger)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestOTAStartHandlerValidatesPayload(t *testing.T) {
	trigger := &stubOTATrigger{}
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		OTA:        trigger,
		AdminToken: "secret",
	})

	badPayload := httptest.NewRequest(http.MethodPost, "/admin/ota/start", strings.NewReader(`{"device_id":""}`))
	badPayload.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	handlers.OTAStartHandler().ServeHTTP(rr, badPayload)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rr.Code)
	}

	trigger.err = errors.New("device unreachable")
	failing := httptest.NewRequest(http.MethodPost, "/admin/ota/start", strings.NewReader(`{"device_id":"d1","version":"2.0.0"}`))
	failing.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	handlers.OTAStartHandler().ServeHTTP(rr, failing)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for trigger failure, got %d", rr.Code)
	}
}
