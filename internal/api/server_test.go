package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/devicelink/internal/hub"
	"github.com/nerrad567/devicelink/internal/infrastructure/config"
	"github.com/nerrad567/devicelink/internal/infrastructure/logging"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/devicelink/internal/session"
)

const testKey = "dGhpcyBpcyBhIGdyb3VwIGtleSBmb3IgdGVzdGluZw=="

// MockStatus is a fixed StatusSource.
type MockStatus struct {
	state   session.State
	session *hub.Session
}

func (m *MockStatus) State() session.State  { return m.state }
func (m *MockStatus) Session() *hub.Session { return m.session }

// MockChecker returns err from HealthCheck.
type MockChecker struct {
	err error
}

func (m *MockChecker) HealthCheck(context.Context) error { return m.err }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testServer(t *testing.T, status StatusSource, checks map[string]HealthChecker) *Server {
	t.Helper()
	srv, err := New(Deps{
		Config:  config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 0},
		Logger:  testLogger(),
		Status:  status,
		Checks:  checks,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func dialSession(t *testing.T) *hub.Session {
	t.Helper()
	conn := mqtttest.NewConn()
	sess, err := hub.Dial(context.Background(), hub.Params{
		Hub:      "example-hub.azure-devices.net",
		DeviceID: "sensor-01",
		Key:      testKey,
		Dial:     conn.Dial,
	})
	if err != nil {
		t.Fatalf("hub.Dial() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Status: &MockStatus{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without status source should fail")
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{"all healthy", map[string]HealthChecker{"database": &MockChecker{}}, http.StatusOK, "ok"},
		{
			name: "one failing",
			checks: map[string]HealthChecker{
				"database": &MockChecker{},
				"influxdb": &MockChecker{err: errors.New("ping timeout")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "degraded",
		},
		{"nil checker skipped", map[string]HealthChecker{"influxdb": nil}, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, &MockStatus{}, tt.checks)
			rec := doRequest(t, srv, http.MethodGet, "/api/v1/health")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Status  string            `json:"status"`
				Version string            `json:"version"`
				Checks  map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Status != tt.wantBody || body.Version != "test" {
				t.Errorf("body = %+v", body)
			}
			if tt.wantStatus != http.StatusOK && body.Checks["influxdb"] != "ping timeout" {
				t.Errorf("checks = %v, want influxdb failure reported", body.Checks)
			}
		})
	}
}

func TestHandleStatus_NoSession(t *testing.T) {
	srv := testServer(t, &MockStatus{state: session.StateProvisioning}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := StatusResponse{State: session.StateProvisioning.String(), Version: "test"}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestHandleStatus_Connected(t *testing.T) {
	srv := testServer(t, &MockStatus{state: session.StateConnected, session: dialSession(t)}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status")

	var body StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := StatusResponse{
		State:     session.StateConnected.String(),
		Connected: true,
		Hub:       "example-hub.azure-devices.net",
		DeviceID:  "sensor-01",
		Version:   "test",
	}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestRouter_Errors(t *testing.T) {
	srv := testServer(t, &MockStatus{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/status")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
	var apiErr Error
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Code != ErrCodeMethodNotAllow {
		t.Errorf("error code = %q", apiErr.Code)
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t, &MockStatus{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want echoed value", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/health")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}
}

// panicStatus panics from State to exercise the recovery middleware.
type panicStatus struct{ MockStatus }

func (panicStatus) State() session.State { panic("boom") }

func TestRecovery(t *testing.T) {
	srv := testServer(t, &panicStatus{}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStartClose(t *testing.T) {
	srv := testServer(t, &MockStatus{state: session.StateIdle}, nil)
	if srv.Addr() != "" {
		t.Error("Addr() before Start should be empty")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := client.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr())); err == nil {
		t.Error("GET after Close should fail")
	}
}
