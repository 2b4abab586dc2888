package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devicelink/internal/hub"
	"github.com/nerrad567/devicelink/internal/infrastructure/config"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt/mqtttest"
)

type response struct {
	requestID string
	status    int
	payload   string
	ctxAlive  bool
}

// MockSession is an in-memory Session.
type MockSession struct {
	desired  chan hub.DesiredPatch
	commands chan hub.Command
	messages chan hub.Message
	closed   chan struct{}

	mu           sync.Mutex
	telemetry    []string
	reported     []string
	responses    []response
	sendErr      error
	telemetryTry int

	// afterReceiveCommand runs after a command is handed out.
	afterReceiveCommand func()
}

func NewMockSession() *MockSession {
	return &MockSession{
		desired:  make(chan hub.DesiredPatch, 4),
		commands: make(chan hub.Command, 4),
		messages: make(chan hub.Message, 4),
		closed:   make(chan struct{}),
	}
}

func (m *MockSession) DeviceID() string { return "sensor-01" }

func (m *MockSession) SendTelemetry(_ context.Context, payload []byte, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetryTry++
	if m.sendErr != nil {
		return m.sendErr
	}
	m.telemetry = append(m.telemetry, string(payload))
	return nil
}

func (m *MockSession) PatchReported(_ context.Context, patch []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.reported = append(m.reported, string(patch))
	return len(m.reported), nil
}

func (m *MockSession) ReceiveDesiredPatch(ctx context.Context) (hub.DesiredPatch, error) {
	return mockReceive(ctx, m, m.desired)
}

func (m *MockSession) ReceiveCommand(ctx context.Context) (hub.Command, error) {
	cmd, err := mockReceive(ctx, m, m.commands)
	if err == nil && m.afterReceiveCommand != nil {
		m.afterReceiveCommand()
	}
	return cmd, err
}

func (m *MockSession) TryReceiveCommand() (hub.Command, bool) {
	select {
	case cmd := <-m.commands:
		return cmd, true
	default:
		return hub.Command{}, false
	}
}

func (m *MockSession) RespondCommand(ctx context.Context, requestID string, status int, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, response{
		requestID: requestID,
		status:    status,
		payload:   string(payload),
		ctxAlive:  ctx.Err() == nil,
	})
	return nil
}

func (m *MockSession) ReceiveMessage(ctx context.Context) (hub.Message, error) {
	return mockReceive(ctx, m, m.messages)
}

func mockReceive[T any](ctx context.Context, m *MockSession, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.closed:
		return zero, hub.ErrClosed
	}
}

func (m *MockSession) Reported() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reported...)
}

func (m *MockSession) Responses() []response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]response(nil), m.responses...)
}

func (m *MockSession) TelemetryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.telemetryTry
}

// MockRecorder records telemetry mirrored to the local store.
type MockRecorder struct {
	mu      sync.Mutex
	records []map[string]any
}

func (r *MockRecorder) RecordTelemetry(_ string, fields map[string]any, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, fields)
}

func (r *MockRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startRun runs the multiplexer in the background and returns a stop function
// that cancels it and returns Run's result.
func startRun(t *testing.T, m *Multiplexer, s Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, s) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func quietOptions() Options {
	return Options{TelemetryInterval: time.Hour, RetryPause: 5 * time.Millisecond}
}

func TestCommandResponse(t *testing.T) {
	tests := []struct {
		name       string
		cmd        hub.Command
		wantStatus int
		wantBody   string
	}{
		{"echo", hub.Command{Name: "echo", Payload: []byte(`{"a":1}`)}, 200, `{"a":1}`},
		{"echo empty", hub.Command{Name: "echo"}, 200, ""},
		{"unknown", hub.Command{Name: "reboot", Payload: []byte(`{}`)}, 400, `"unknown command"`},
		{"case sensitive", hub.Command{Name: "Echo"}, 400, `"unknown command"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := commandResponse(tt.cmd)
			if status != tt.wantStatus || string(body) != tt.wantBody {
				t.Errorf("commandResponse() = %d %q, want %d %q", status, body, tt.wantStatus, tt.wantBody)
			}
		})
	}
}

func TestDesiredAckPatch(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		version  int
		wantKey  string
		wantJSON string
	}{
		{
			name:     "value object",
			payload:  `{"$version":3,"temp":{"value":21}}`,
			wantKey:  "temp",
			wantJSON: `{"temp":{"value":21,"statusCode":200,"status":"completed","desiredVersion":3}}`,
		},
		{
			name:     "version last",
			payload:  `{"fan":{"value":"high"},"$version":9}`,
			wantKey:  "fan",
			wantJSON: `{"fan":{"value":"high","statusCode":200,"status":"completed","desiredVersion":9}}`,
		},
		{
			name:     "raw value",
			payload:  `{"$version":5,"speed":3}`,
			wantKey:  "speed",
			wantJSON: `{"speed":{"value":3,"statusCode":200,"status":"completed","desiredVersion":5}}`,
		},
		{
			name:     "first key in document order wins",
			payload:  `{"zeta":1,"alpha":2,"$version":2}`,
			wantKey:  "zeta",
			wantJSON: `{"zeta":{"value":1,"statusCode":200,"status":"completed","desiredVersion":2}}`,
		},
		{
			name:     "version from topic",
			payload:  `{"mode":{"value":true}}`,
			version:  4,
			wantKey:  "mode",
			wantJSON: `{"mode":{"value":true,"statusCode":200,"status":"completed","desiredVersion":4}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, patch, err := desiredAckPatch([]byte(tt.payload), tt.version)
			if err != nil {
				t.Fatalf("desiredAckPatch() error = %v", err)
			}
			if key != tt.wantKey || string(patch) != tt.wantJSON {
				t.Errorf("desiredAckPatch() = %q %s, want %q %s", key, patch, tt.wantKey, tt.wantJSON)
			}
		})
	}
}

func TestDesiredAckPatch_Errors(t *testing.T) {
	if _, _, err := desiredAckPatch([]byte(`{"$version":3}`), 0); !errors.Is(err, errNoDesiredProperty) {
		t.Errorf("version-only patch error = %v, want errNoDesiredProperty", err)
	}
	for _, bad := range []string{``, `[1,2]`, `{"a":`} {
		if _, _, err := desiredAckPatch([]byte(bad), 0); err == nil {
			t.Errorf("desiredAckPatch(%q) expected error", bad)
		}
	}
}

func TestReportedPatch(t *testing.T) {
	patch, err := reportedPatch("boolean", true)
	if err != nil {
		t.Fatal(err)
	}
	if string(patch) != `{"boolean":{"value":true}}` {
		t.Errorf("reportedPatch() = %s", patch)
	}
}

func TestRandomSource(t *testing.T) {
	src := NewRandomSource(42)

	for i := 0; i < 100; i++ {
		reading := src.Telemetry()
		temp, _ := reading["temp"].(int)
		humidity, _ := reading["humidity"].(int)
		if temp < 60 || temp > 94 || humidity < 10 || humidity > 99 {
			t.Fatalf("Telemetry() = %v out of range", reading)
		}

		if _, ok := src.Value(config.PropertyKindBool).(bool); !ok {
			t.Fatal("bool value has wrong type")
		}
		n, ok := src.Value(config.PropertyKindNumber).(int)
		if !ok || n < 0 || n > 99 {
			t.Fatalf("number value = %v", n)
		}
		s, ok := src.Value(config.PropertyKindString).(string)
		if !ok || len(s) != 32 {
			t.Fatalf("string value = %q", s)
		}
		for _, c := range s {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
				t.Fatalf("string value %q has non-alphanumeric %q", s, c)
			}
		}
	}

	if src.Value("color") != nil {
		t.Error("unknown kind should yield nil")
	}
}

func TestRun_CommandListener(t *testing.T) {
	s := NewMockSession()
	cancel, done := startRun(t, New(quietOptions()), s)

	s.commands <- hub.Command{Name: "echo", RequestID: "1", Payload: []byte(`"hi"`)}
	s.commands <- hub.Command{Name: "reboot", RequestID: "2"}
	s.commands <- hub.Command{Name: "echo", RequestID: "3"}

	waitFor(t, func() bool { return len(s.Responses()) == 3 })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []response{
		{requestID: "1", status: 200, payload: `"hi"`, ctxAlive: true},
		{requestID: "2", status: 400, payload: `"unknown command"`, ctxAlive: true},
		{requestID: "3", status: 200, payload: "", ctxAlive: true},
	}
	got := s.Responses()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRun_CommandAnsweredDuringShutdown(t *testing.T) {
	s := NewMockSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.afterReceiveCommand = cancel

	done := make(chan error, 1)
	go func() { done <- New(quietOptions()).Run(ctx, s) }()

	s.commands <- hub.Command{Name: "echo", RequestID: "7", Payload: []byte(`1`)}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := s.Responses()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want exactly 1", len(got))
	}
	if got[0].requestID != "7" || got[0].status != 200 || !got[0].ctxAlive {
		t.Errorf("response = %+v", got[0])
	}
}

func TestRun_QueuedCommandsAnsweredOnCancel(t *testing.T) {
	s := NewMockSession()
	for i := 1; i <= cap(s.commands); i++ {
		s.commands <- hub.Command{Name: "echo", RequestID: fmt.Sprint(i)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(quietOptions()).Run(ctx, s); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := s.Responses()
	if len(got) != cap(s.commands) {
		t.Fatalf("responses = %d, want %d", len(got), cap(s.commands))
	}
	seen := map[string]bool{}
	for _, r := range got {
		if seen[r.requestID] {
			t.Errorf("request %s answered twice", r.requestID)
		}
		seen[r.requestID] = true
		if r.status != 200 || !r.ctxAlive {
			t.Errorf("response = %+v", r)
		}
	}
}

func TestRun_HubMethodQueueDrainedOnCancel(t *testing.T) {
	conn := mqtttest.NewConn()
	sess, err := hub.Dial(context.Background(), hub.Params{
		Hub:      "example-hub.azure-devices.net",
		DeviceID: "sensor-01",
		Key:      "dGhpcyBpcyBhIGdyb3VwIGtleSBmb3IgdGVzdGluZw==",
		Dial:     conn.Dial,
	})
	if err != nil {
		t.Fatalf("hub.Dial() error = %v", err)
	}
	defer sess.Close() //nolint:errcheck // Test cleanup

	const invocations = 5
	for i := 1; i <= invocations; i++ {
		conn.Deliver(fmt.Sprintf("$iothub/methods/POST/echo/?$rid=%d", i), []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(quietOptions()).Run(ctx, sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	responses := conn.Published("$iothub/methods/res/")
	if len(responses) != invocations {
		t.Fatalf("method responses = %d, want %d", len(responses), invocations)
	}
	for i := 1; i <= invocations; i++ {
		want := fmt.Sprintf("$iothub/methods/res/200/?$rid=%d", i)
		found := false
		for _, msg := range responses {
			found = found || msg.Topic == want
		}
		if !found {
			t.Errorf("no response on %s", want)
		}
	}
}

func TestRun_DesiredListener(t *testing.T) {
	s := NewMockSession()
	cancel, done := startRun(t, New(quietOptions()), s)

	s.desired <- hub.DesiredPatch{Version: 3, Payload: []byte(`{"$version":3,"temp":{"value":21}}`)}
	s.desired <- hub.DesiredPatch{Version: 4, Payload: []byte(`not json`)}
	s.desired <- hub.DesiredPatch{Version: 5, Payload: []byte(`{"speed":2,"$version":5}`)}

	waitFor(t, func() bool { return len(s.Reported()) == 2 })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := s.Reported()
	if got[0] != `{"temp":{"value":21,"statusCode":200,"status":"completed","desiredVersion":3}}` {
		t.Errorf("first ack = %s", got[0])
	}
	if got[1] != `{"speed":{"value":2,"statusCode":200,"status":"completed","desiredVersion":5}}` {
		t.Errorf("second ack = %s", got[1])
	}
}

func TestRun_TelemetryAndProperties(t *testing.T) {
	s := NewMockSession()
	recorder := &MockRecorder{}
	opts := Options{
		TelemetryInterval: 10 * time.Millisecond,
		Jobs: []Job{
			{Key: "text", Kind: config.PropertyKindString, Interval: 10 * time.Millisecond},
			{Key: "boolean", Kind: config.PropertyKindBool, Interval: 10 * time.Millisecond},
		},
		Telemetry: NewRandomSource(1),
		Values:    NewRandomSource(2),
		Recorder:  recorder,
	}
	cancel, done := startRun(t, New(opts), s)

	waitFor(t, func() bool { return recorder.Count() >= 2 && len(s.Reported()) >= 4 })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	s.mu.Lock()
	first := s.telemetry[0]
	s.mu.Unlock()
	var reading map[string]int
	if err := json.Unmarshal([]byte(first), &reading); err != nil {
		t.Fatalf("telemetry payload %q: %v", first, err)
	}
	if _, ok := reading["temp"]; !ok {
		t.Errorf("telemetry payload %q lacks temp", first)
	}

	keys := map[string]bool{}
	for _, patch := range s.Reported() {
		var body map[string]map[string]any
		if err := json.Unmarshal([]byte(patch), &body); err != nil {
			t.Fatalf("reported patch %q: %v", patch, err)
		}
		for k, v := range body {
			keys[k] = true
			if _, ok := v["value"]; !ok {
				t.Errorf("patch %q lacks value", patch)
			}
		}
	}
	if !keys["text"] || !keys["boolean"] {
		t.Errorf("reported keys = %v, want text and boolean", keys)
	}
}

func TestRun_SendFailuresDoNotStopWorkers(t *testing.T) {
	s := NewMockSession()
	s.sendErr = errors.New("hub unavailable")
	recorder := &MockRecorder{}
	opts := Options{TelemetryInterval: 5 * time.Millisecond, Recorder: recorder}
	cancel, done := startRun(t, New(opts), s)

	waitFor(t, func() bool { return s.TelemetryAttempts() >= 3 })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if recorder.Count() != 0 {
		t.Errorf("recorder received %d failed readings", recorder.Count())
	}
}

func TestRun_CancelReturnsNil(t *testing.T) {
	s := NewMockSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := New(quietOptions()).Run(ctx, s); err != nil {
		t.Errorf("Run() with cancelled context error = %v, want nil", err)
	}
}

func TestRun_SessionClosedUnderneath(t *testing.T) {
	s := NewMockSession()
	_, done := startRun(t, New(quietOptions()), s)

	close(s.closed)

	if err := waitRun(t, done); !errors.Is(err, hub.ErrClosed) {
		t.Errorf("Run() error = %v, want hub.ErrClosed", err)
	}
}

func TestRun_MessageListener(t *testing.T) {
	s := NewMockSession()
	cancel, done := startRun(t, New(quietOptions()), s)

	s.messages <- hub.Message{Payload: []byte("hello"), Properties: map[string]string{"a": "b"}}
	waitFor(t, func() bool { return len(s.messages) == 0 })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
