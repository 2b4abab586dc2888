package hub

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devicelink/internal/credentials"
	"github.com/nerrad567/devicelink/internal/identity"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt"
)

const (
	// apiVersion is the IoT Hub MQTT API version.
	apiVersion = "2021-04-12"

	defaultQueueSize      = 16
	defaultRequestTimeout = 30 * time.Second
	defaultTokenTTL       = time.Hour
)

// Logger is the logging surface used by Session.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

// Params describes the hub endpoint and device credentials.
type Params struct {
	// Hub is the assigned hub host name.
	Hub string

	// DeviceID is the canonical device id returned by provisioning.
	DeviceID string

	// ModelID is announced in the MQTT username when set.
	ModelID string

	// Key is the base64 device key for SAS authentication.
	Key string

	// Certificate, when set, authenticates with an X.509 client certificate
	// instead of Key.
	Certificate *identity.Certificate

	UseWebsockets bool
	KeepAlive     time.Duration

	// TokenTTL is the lifetime of each SAS token. A fresh token is signed on
	// every (re)connect. Default: 1h.
	TokenTTL time.Duration

	// QoS for outbound publishes and subscriptions (0 or 1).
	QoS byte

	// RequestTimeout bounds twin requests. Default: 30s.
	RequestTimeout time.Duration

	// QueueSize bounds each inbound stream. Default: 16.
	QueueSize int

	// Dial opens the MQTT connection. Default: mqtt.Dial.
	Dial mqtt.DialFunc

	Logger Logger
}

// DesiredPatch is a desired-properties change pushed by the service.
type DesiredPatch struct {
	Version int
	Payload []byte
}

// Command is a direct method invocation awaiting a response.
type Command struct {
	Name      string
	RequestID string
	Payload   []byte
}

// Message is a cloud-to-device message.
type Message struct {
	Payload     []byte
	Properties  map[string]string
	ContentType string
}

type twinResponse struct {
	status  int
	version int
}

// Session is a live connection to the hub.
type Session struct {
	conn           mqtt.Conn
	hub            string
	deviceID       string
	qos            byte
	requestTimeout time.Duration
	logger         Logger

	desired  chan DesiredPatch
	commands chan Command
	messages chan Message

	pendingMu sync.Mutex
	pending   map[string]chan twinResponse

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the hub and subscribes to every inbound stream.
//
// Parameters:
//   - ctx: Bounds the connection attempt
//   - p: Endpoint and credentials
//
// Returns:
//   - *Session: Ready for use; the caller must Close it
//   - error: ErrCredential, or the wrapped mqtt connect error
func Dial(ctx context.Context, p Params) (*Session, error) {
	opts, err := connectOptions(p)
	if err != nil {
		return nil, err
	}

	dial := p.Dial
	if dial == nil {
		dial = mqtt.Dial
	}
	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub %s: %w", p.Hub, err)
	}

	s := newSession(conn, p)
	if err := s.subscribe(); err != nil {
		conn.Close() //nolint:errcheck // Subscription error takes precedence
		return nil, err
	}
	s.watchConnection()
	return s, nil
}

// watchConnection logs transport drops and automatic reconnects when the
// connection reports them.
func (s *Session) watchConnection() {
	notifier, ok := s.conn.(mqtt.ConnectionNotifier)
	if !ok {
		return
	}
	notifier.SetOnDisconnect(func(err error) {
		s.logger.Warn("hub connection lost", "hub", s.hub, "device_id", s.deviceID, "error", err)
	})
	notifier.SetOnConnect(func() {
		s.logger.Info("hub connection restored", "hub", s.hub, "device_id", s.deviceID)
	})
}

func newSession(conn mqtt.Conn, p Params) *Session {
	queue := p.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	timeout := p.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &Session{
		conn:           conn,
		hub:            p.Hub,
		deviceID:       p.DeviceID,
		qos:            p.QoS,
		requestTimeout: timeout,
		logger:         logger,
		desired:        make(chan DesiredPatch, queue),
		commands:       make(chan Command, queue),
		messages:       make(chan Message, queue),
		pending:        make(map[string]chan twinResponse),
		closed:         make(chan struct{}),
	}
}

// connectOptions builds the MQTT options for the hub.
func connectOptions(p Params) (mqtt.Options, error) {
	username := fmt.Sprintf("%s/%s/?api-version=%s", p.Hub, p.DeviceID, apiVersion)
	if p.ModelID != "" {
		username += "&model-id=" + url.QueryEscape(p.ModelID)
	}

	opts := mqtt.Options{
		Host:          p.Hub,
		ClientID:      p.DeviceID,
		Username:      username,
		UseWebsockets: p.UseWebsockets,
		AutoReconnect: true,
		KeepAlive:     p.KeepAlive,
	}

	switch {
	case p.Certificate != nil:
		cert, err := p.Certificate.TLSCertificate()
		if err != nil {
			return mqtt.Options{}, fmt.Errorf("%w: %w", ErrCredential, err)
		}
		opts.Certificates = append(opts.Certificates, cert)

	case p.Key != "":
		ttl := p.TokenTTL
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		resource := p.Hub + "/devices/" + p.DeviceID

		// Sign once up front so a bad key fails here rather than inside paho.
		token, err := credentials.SASToken(resource, p.Key, "", time.Now().Add(ttl))
		if err != nil {
			return mqtt.Options{}, fmt.Errorf("%w: %w", ErrCredential, err)
		}
		var mu sync.Mutex
		first := true
		opts.CredentialsProvider = func() (string, string) {
			mu.Lock()
			defer mu.Unlock()
			if first {
				first = false
				return username, token
			}
			if fresh, err := credentials.SASToken(resource, p.Key, "", time.Now().Add(ttl)); err == nil {
				token = fresh
			}
			return username, token
		}

	default:
		return mqtt.Options{}, fmt.Errorf("%w: neither key nor certificate supplied", ErrCredential)
	}
	return opts, nil
}

// subscribe registers the inbound stream handlers.
func (s *Session) subscribe() error {
	topics := mqtt.Topics{}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{topics.TwinResponses(), s.handleTwinResponse},
		{topics.TwinDesiredPatches(), s.handleDesiredPatch},
		{topics.MethodRequests(), s.handleMethodRequest},
		{topics.CloudToDevice(s.deviceID), s.handleMessage},
	}

	for _, sub := range subs {
		if err := s.conn.Subscribe(sub.topic, s.qos, sub.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", sub.topic, err)
		}
	}
	return nil
}

// DeviceID returns the device id the session authenticated as.
func (s *Session) DeviceID() string { return s.deviceID }

// Hub returns the hub host name.
func (s *Session) Hub() string { return s.hub }

// IsConnected reports whether the underlying MQTT connection is up.
func (s *Session) IsConnected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return s.conn.IsConnected()
	}
}

// Close disconnects from the hub and unblocks all receivers with ErrClosed.
// Calling Close more than once is safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// enqueue waits for room in ch unless the session closes first.
func enqueue[T any](s *Session, ch chan T, item T) bool {
	select {
	case ch <- item:
		return true
	case <-s.closed:
		return false
	}
}

// receive waits for the next item on ch.
func receive[T any](ctx context.Context, s *Session, ch chan T) (T, error) {
	var zero T
	select {
	case item := <-ch:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.closed:
		return zero, ErrClosed
	}
}

// publish runs a blocking publish, returning early if ctx ends or the session closes.
func (s *Session) publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result := make(chan error, 1)
	go func() {
		result <- s.conn.Publish(topic, payload, s.qos, false)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

// SendTelemetry publishes a device-to-cloud message with optional application
// and system properties (e.g. "$.ct", "$.ce").
func (s *Session) SendTelemetry(ctx context.Context, payload []byte, properties map[string]string) error {
	return s.publish(ctx, mqtt.Topics{}.Telemetry(s.deviceID, properties), payload)
}

// PatchReported sends a reported-properties patch and waits for the hub to accept it.
//
// Returns:
//   - int: The new reported version
//   - error: ErrRejected, ErrRequestTimeout, ErrClosed, ctx.Err() or a publish error
func (s *Session) PatchReported(ctx context.Context, patch []byte) (int, error) {
	rid := uuid.NewString()
	reply := make(chan twinResponse, 1)

	s.pendingMu.Lock()
	s.pending[rid] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, rid)
		s.pendingMu.Unlock()
	}()

	if err := s.publish(ctx, mqtt.Topics{}.TwinReportedPatch(rid), patch); err != nil {
		return 0, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.status < 200 || resp.status >= 300 {
			return 0, fmt.Errorf("%w: reported patch status %d", ErrRejected, resp.status)
		}
		return resp.version, nil
	case <-timer.C:
		return 0, fmt.Errorf("%w: reported patch after %v", ErrRequestTimeout, s.requestTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.closed:
		return 0, ErrClosed
	}
}

// ReceiveDesiredPatch waits for the next desired-properties patch.
func (s *Session) ReceiveDesiredPatch(ctx context.Context) (DesiredPatch, error) {
	return receive(ctx, s, s.desired)
}

// ReceiveCommand waits for the next direct method invocation.
func (s *Session) ReceiveCommand(ctx context.Context) (Command, error) {
	return receive(ctx, s, s.commands)
}

// TryReceiveCommand returns a queued direct method invocation without
// blocking. The queue stays readable after Close so pending invocations can
// still be drained.
func (s *Session) TryReceiveCommand() (Command, bool) {
	select {
	case cmd := <-s.commands:
		return cmd, true
	default:
		return Command{}, false
	}
}

// RespondCommand answers a direct method invocation.
func (s *Session) RespondCommand(ctx context.Context, requestID string, status int, payload []byte) error {
	return s.publish(ctx, mqtt.Topics{}.MethodResponse(status, requestID), payload)
}

// ReceiveMessage waits for the next cloud-to-device message.
func (s *Session) ReceiveMessage(ctx context.Context) (Message, error) {
	return receive(ctx, s, s.messages)
}

func (s *Session) handleTwinResponse(topic string, _ []byte) error {
	resp, err := mqtt.ParseResponse(topic)
	if err != nil {
		return err
	}

	s.pendingMu.Lock()
	reply, ok := s.pending[resp.RequestID]
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug("twin response without pending request", "rid", resp.RequestID, "status", resp.Status)
		return nil
	}

	select {
	case reply <- twinResponse{status: resp.Status, version: resp.Version}:
	default:
	}
	return nil
}

func (s *Session) handleDesiredPatch(topic string, payload []byte) error {
	patch := DesiredPatch{
		Version: mqtt.ParseDesiredVersion(topic),
		Payload: append([]byte(nil), payload...),
	}
	enqueue(s, s.desired, patch)
	return nil
}

func (s *Session) handleMethodRequest(topic string, payload []byte) error {
	name, rid, err := mqtt.ParseMethodRequest(topic)
	if err != nil {
		return err
	}
	enqueue(s, s.commands, Command{Name: name, RequestID: rid, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *Session) handleMessage(topic string, payload []byte) error {
	props := mqtt.ParseCloudToDeviceProperties(topic)
	enqueue(s, s.messages, Message{
		Payload:     append([]byte(nil), payload...),
		Properties:  props,
		ContentType: props["$.ct"],
	})
	return nil
}
