package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devicelink/internal/identity"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt/mqtttest"
)

const testKey = "dGhpcyBpcyBhIGdyb3VwIGtleSBmb3IgdGVzdGluZw=="

func testParams(conn *mqtttest.Conn) Params {
	return Params{
		Hub:            "example-hub.azure-devices.net",
		DeviceID:       "sensor-01",
		ModelID:        "dtmi:example:thermostat;1",
		Key:            testKey,
		RequestTimeout: time.Second,
		Dial:           conn.Dial,
	}
}

func dialTest(t *testing.T) (*Session, *mqtttest.Conn) {
	t.Helper()
	conn := mqtttest.NewConn()
	s, err := Dial(context.Background(), testParams(conn))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // Test cleanup
	return s, conn
}

func requestID(topic string) string {
	_, rest, _ := strings.Cut(topic, "$rid=")
	rid, _, _ := strings.Cut(rest, "&")
	return rid
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDial(t *testing.T) {
	s, conn := dialTest(t)

	opts := conn.Dialed()[0]
	if opts.Host != "example-hub.azure-devices.net" || opts.ClientID != "sensor-01" {
		t.Errorf("dial options = %+v", opts)
	}
	wantUser := "example-hub.azure-devices.net/sensor-01/?api-version=2021-04-12&model-id=dtmi%3Aexample%3Athermostat%3B1"
	if opts.Username != wantUser {
		t.Errorf("Username = %q, want %q", opts.Username, wantUser)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.CredentialsProvider == nil {
		t.Fatal("CredentialsProvider not set")
	}
	user, pass := opts.CredentialsProvider()
	if user != wantUser {
		t.Errorf("provider username = %q", user)
	}
	if !strings.HasPrefix(pass, "SharedAccessSignature sr=example-hub.azure-devices.net%2Fdevices%2Fsensor-01&sig=") {
		t.Errorf("provider password = %q", pass)
	}
	if strings.Contains(pass, "skn=") {
		t.Errorf("device token should not carry skn: %q", pass)
	}
	if _, again := opts.CredentialsProvider(); !strings.HasPrefix(again, "SharedAccessSignature ") {
		t.Errorf("second provider call = %q", again)
	}

	if got := len(conn.Subscriptions()); got != 4 {
		t.Errorf("subscriptions = %d, want 4", got)
	}
	if s.DeviceID() != "sensor-01" || s.Hub() != "example-hub.azure-devices.net" || !s.IsConnected() {
		t.Errorf("session = %s@%s connected=%v", s.DeviceID(), s.Hub(), s.IsConnected())
	}
}

func TestDial_CredentialErrors(t *testing.T) {
	conn := mqtttest.NewConn()

	p := testParams(conn)
	p.Key = ""
	if _, err := Dial(context.Background(), p); !errors.Is(err, ErrCredential) {
		t.Errorf("Dial() without credentials error = %v, want ErrCredential", err)
	}

	p.Key = "%%%"
	if _, err := Dial(context.Background(), p); !errors.Is(err, ErrCredential) {
		t.Errorf("Dial() with bad key error = %v, want ErrCredential", err)
	}

	p.Key = ""
	p.Certificate = &identity.Certificate{CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key"}
	if _, err := Dial(context.Background(), p); !errors.Is(err, ErrCredential) {
		t.Errorf("Dial() with missing certificate error = %v, want ErrCredential", err)
	}

	if len(conn.Dialed()) != 0 {
		t.Error("Dial() reached the transport despite unusable credentials")
	}
}

func TestDial_Failures(t *testing.T) {
	boom := errors.New("boom")

	conn := mqtttest.NewConn()
	conn.FailDial(boom)
	if _, err := Dial(context.Background(), testParams(conn)); !errors.Is(err, boom) {
		t.Errorf("Dial() error = %v, want boom", err)
	}

	conn = mqtttest.NewConn()
	conn.FailSubscribe(boom)
	if _, err := Dial(context.Background(), testParams(conn)); !errors.Is(err, boom) {
		t.Errorf("Dial() error = %v, want boom", err)
	}
	if conn.CloseCount() != 1 {
		t.Errorf("connection not closed after subscribe failure")
	}
}

func TestSendTelemetry(t *testing.T) {
	s, conn := dialTest(t)

	err := s.SendTelemetry(testContext(t), []byte(`{"temp":21}`), map[string]string{"$.ct": "application/json"})
	if err != nil {
		t.Fatalf("SendTelemetry() error = %v", err)
	}

	msgs := conn.Published("devices/sensor-01/messages/events/")
	if len(msgs) != 1 {
		t.Fatalf("telemetry messages = %d, want 1", len(msgs))
	}
	if msgs[0].Topic != "devices/sensor-01/messages/events/%24.ct=application%2Fjson" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if string(msgs[0].Payload) != `{"temp":21}` {
		t.Errorf("payload = %s", msgs[0].Payload)
	}
}

func TestSendTelemetry_PublishError(t *testing.T) {
	s, conn := dialTest(t)
	boom := errors.New("boom")
	conn.FailPublish(boom)

	if err := s.SendTelemetry(testContext(t), []byte("{}"), nil); !errors.Is(err, boom) {
		t.Errorf("SendTelemetry() error = %v, want boom", err)
	}
}

func TestPatchReported(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantErr     error
		wantVersion int
	}{
		{"accepted", 204, nil, 7},
		{"rejected", 400, ErrRejected, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conn := dialTest(t)
			conn.OnPublish(func(topic string, _ []byte) {
				if strings.HasPrefix(topic, "$iothub/twin/PATCH/properties/reported/") {
					go conn.Deliver(fmt.Sprintf("$iothub/twin/res/%d/?$rid=%s&$version=7", tt.status, requestID(topic)), nil)
				}
			})

			version, err := s.PatchReported(testContext(t), []byte(`{"text":{"value":"abc"}}`))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PatchReported() error = %v, want %v", err, tt.wantErr)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %d, want %d", version, tt.wantVersion)
			}
		})
	}
}

func TestPatchReported_Timeout(t *testing.T) {
	conn := mqtttest.NewConn()
	p := testParams(conn)
	p.RequestTimeout = 20 * time.Millisecond
	s, err := Dial(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck // Test cleanup

	if _, err := s.PatchReported(testContext(t), []byte("{}")); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("PatchReported() error = %v, want ErrRequestTimeout", err)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending requests = %d after timeout, want 0", len(s.pending))
	}
}

func TestReceiveDesiredPatch(t *testing.T) {
	s, conn := dialTest(t)

	go conn.Deliver("$iothub/twin/PATCH/properties/desired/?$version=3", []byte(`{"temp":{"value":21},"$version":3}`))

	patch, err := s.ReceiveDesiredPatch(testContext(t))
	if err != nil {
		t.Fatalf("ReceiveDesiredPatch() error = %v", err)
	}
	if patch.Version != 3 || string(patch.Payload) != `{"temp":{"value":21},"$version":3}` {
		t.Errorf("patch = %+v", patch)
	}
}

func TestReceiveCommandAndRespond(t *testing.T) {
	s, conn := dialTest(t)

	go conn.Deliver("$iothub/methods/POST/echo/?$rid=42", []byte(`"hi"`))

	cmd, err := s.ReceiveCommand(testContext(t))
	if err != nil {
		t.Fatalf("ReceiveCommand() error = %v", err)
	}
	if cmd.Name != "echo" || cmd.RequestID != "42" || string(cmd.Payload) != `"hi"` {
		t.Errorf("command = %+v", cmd)
	}

	if err := s.RespondCommand(testContext(t), cmd.RequestID, 200, cmd.Payload); err != nil {
		t.Fatalf("RespondCommand() error = %v", err)
	}
	msgs := conn.Published("$iothub/methods/res/")
	if len(msgs) != 1 || msgs[0].Topic != "$iothub/methods/res/200/?$rid=42" {
		t.Errorf("responses = %+v", msgs)
	}
}

func TestReceiveMessage(t *testing.T) {
	s, conn := dialTest(t)

	go conn.Deliver(
		"devices/sensor-01/messages/devicebound/%24.ct=text%2Fplain&color=blue",
		[]byte("hello"),
	)

	msg, err := s.ReceiveMessage(testContext(t))
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if string(msg.Payload) != "hello" || msg.ContentType != "text/plain" || msg.Properties["color"] != "blue" {
		t.Errorf("message = %+v", msg)
	}
}

func TestReceive_ContextCancelled(t *testing.T) {
	s, _ := dialTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ReceiveCommand(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReceiveCommand() error = %v, want context.Canceled", err)
	}
}

func TestClose(t *testing.T) {
	s, conn := dialTest(t)

	errs := make(chan error, 3)
	go func() { _, err := s.ReceiveDesiredPatch(context.Background()); errs <- err }()
	go func() { _, err := s.ReceiveCommand(context.Background()); errs <- err }()
	go func() { _, err := s.ReceiveMessage(context.Background()); errs <- err }()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("receiver error = %v, want ErrClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("receiver not unblocked by Close")
		}
	}

	if conn.CloseCount() != 1 {
		t.Errorf("CloseCount() = %d, want 1", conn.CloseCount())
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := s.SendTelemetry(context.Background(), []byte("{}"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("SendTelemetry() after Close error = %v, want ErrClosed", err)
	}
	// Handlers do not block once closed.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize+2; i++ {
			s.handleMethodRequest("$iothub/methods/POST/echo/?$rid=1", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked after Close")
	}
}

func TestTryReceiveCommand(t *testing.T) {
	s, conn := dialTest(t)

	if _, ok := s.TryReceiveCommand(); ok {
		t.Fatal("TryReceiveCommand() on empty queue returned a command")
	}

	for i := 1; i <= 3; i++ {
		conn.Deliver(fmt.Sprintf("$iothub/methods/POST/echo/?$rid=%d", i), nil)
	}
	// Queued invocations remain readable after Close.
	s.Close() //nolint:errcheck // Close error is not under test

	for i := 1; i <= 3; i++ {
		cmd, ok := s.TryReceiveCommand()
		if !ok {
			t.Fatalf("TryReceiveCommand() #%d returned nothing", i)
		}
		if want := fmt.Sprint(i); cmd.RequestID != want {
			t.Errorf("RequestID = %q, want %q", cmd.RequestID, want)
		}
	}
	if _, ok := s.TryReceiveCommand(); ok {
		t.Error("TryReceiveCommand() after draining returned a command")
	}
}

type logEntry struct {
	level string
	msg   string
}

type MockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *MockLogger) log(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *MockLogger) Debug(msg string, _ ...any) { l.log("debug", msg) }
func (l *MockLogger) Info(msg string, _ ...any)  { l.log("info", msg) }
func (l *MockLogger) Warn(msg string, _ ...any)  { l.log("warn", msg) }

func (l *MockLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

func TestConnectionLossAndRestoreLogged(t *testing.T) {
	conn := mqtttest.NewConn()
	logger := &MockLogger{}
	p := testParams(conn)
	p.Logger = logger

	s, err := Dial(context.Background(), p)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close() //nolint:errcheck // Test cleanup

	conn.Drop(errors.New("keepalive timeout"))
	if s.IsConnected() {
		t.Error("IsConnected() = true after drop")
	}
	conn.Restore()
	if !s.IsConnected() {
		t.Error("IsConnected() = false after reconnect")
	}

	want := []logEntry{
		{level: "warn", msg: "hub connection lost"},
		{level: "info", msg: "hub connection restored"},
	}
	got := logger.Entries()
	if len(got) != len(want) {
		t.Fatalf("log entries = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
