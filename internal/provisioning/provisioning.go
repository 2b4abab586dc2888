package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devicelink/internal/credentials"
	"github.com/nerrad567/devicelink/internal/identity"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt"
)

const (
	// apiVersion is the provisioning service MQTT API version.
	apiVersion = "2019-03-31"

	// sasKeyName is the policy name the service expects in device SAS tokens.
	sasKeyName = "registration"

	// DefaultRetryAfter is the poll interval when the service sends no retry-after.
	DefaultRetryAfter = 3 * time.Second

	// DefaultResponseTimeout bounds the wait for each service response.
	DefaultResponseTimeout = 30 * time.Second

	defaultTokenTTL = time.Hour

	// connectionCheckInterval is how often an outstanding request checks for a lost connection.
	connectionCheckInterval = 500 * time.Millisecond

	responseQueueSize = 8
)

// Status is the registration status reported by the service.
type Status string

// Registration statuses.
const (
	StatusAssigned  Status = "assigned"
	StatusAssigning Status = "assigning"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
	StatusUnknown   Status = "unknown"
)

// Result is the outcome of a registration.
type Result struct {
	AssignedHub string
	DeviceID    string
	Status      Status
	OperationID string
	Substatus   string
}

// Logger is the logging surface used by Client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}

// Options configures a Client.
type Options struct {
	// Host is the global provisioning endpoint, e.g. global.azure-devices-provisioning.net.
	Host string

	// UseWebsockets selects MQTT over WebSockets on port 443.
	UseWebsockets bool

	// TokenTTL is the lifetime of the SAS password. Default: 1h.
	TokenTTL time.Duration

	// Dial opens the MQTT connection. Default: mqtt.Dial.
	Dial mqtt.DialFunc

	// RetryAfter overrides DefaultRetryAfter.
	RetryAfter time.Duration

	// ResponseTimeout overrides DefaultResponseTimeout.
	ResponseTimeout time.Duration

	Logger Logger
}

// Client performs registrations against one provisioning endpoint.
// It is safe for concurrent use; each Register opens its own connection.
type Client struct {
	host            string
	useWebsockets   bool
	tokenTTL        time.Duration
	dial            mqtt.DialFunc
	retryAfter      time.Duration
	responseTimeout time.Duration
	logger          Logger
	now             func() time.Time
}

// NewClient creates a Client, filling defaults for unset options.
func NewClient(opts Options) *Client {
	c := &Client{
		host:            opts.Host,
		useWebsockets:   opts.UseWebsockets,
		tokenTTL:        opts.TokenTTL,
		dial:            opts.Dial,
		retryAfter:      opts.RetryAfter,
		responseTimeout: opts.ResponseTimeout,
		logger:          opts.Logger,
		now:             time.Now,
	}
	if c.tokenTTL <= 0 {
		c.tokenTTL = defaultTokenTTL
	}
	if c.dial == nil {
		c.dial = mqtt.Dial
	}
	if c.retryAfter <= 0 {
		c.retryAfter = DefaultRetryAfter
	}
	if c.responseTimeout <= 0 {
		c.responseTimeout = DefaultResponseTimeout
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	return c
}

// registerRequest is the body of the register publish.
type registerRequest struct {
	RegistrationID string          `json:"registrationId"`
	Payload        *requestPayload `json:"payload,omitempty"`
}

type requestPayload struct {
	ModelID string `json:"iotcModelId"`
}

// operationResponse is the body of every provisioning response.
type operationResponse struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState"`
	ErrorCode         int                `json:"errorCode"`
	Message           string             `json:"message"`
}

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	Substatus      string `json:"substatus"`
	ErrorCode      int    `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
}

// inbound is a response received on $dps/registrations/res/#.
type inbound struct {
	resp    mqtt.Response
	payload []byte
}

// Register provisions the device and returns its hub assignment.
//
// Parameters:
//   - ctx: Cancels the registration; the error then wraps ctx.Err()
//   - dev: Device identity (id scope, registration id, model id)
//   - auth: Resolved authentication mode
//
// Returns:
//   - Result: Assignment on success; Status carries failed/disabled outcomes
//   - error: One of the package sentinels, wrapped with detail
func (c *Client) Register(ctx context.Context, dev identity.Device, auth identity.AuthMode) (Result, error) {
	opts, err := c.connectOptions(dev, auth)
	if err != nil {
		return Result{}, err
	}

	conn, err := c.dial(ctx, opts)
	if err != nil {
		return Result{}, classifyDialError(ctx, err)
	}
	defer conn.Close() //nolint:errcheck // Registration connection is disposable

	done := make(chan struct{})
	defer close(done)

	responses := make(chan inbound, responseQueueSize)
	err = conn.Subscribe(mqtt.Topics{}.DPSResponses(), 1, func(topic string, payload []byte) error {
		resp, err := mqtt.ParseResponse(topic)
		if err != nil {
			return err
		}
		select {
		case responses <- inbound{resp: resp, payload: payload}:
		case <-done:
		}
		return nil
	})
	if err != nil {
		return Result{}, c.classifyTransportError(ctx, conn, "subscribing", err)
	}

	body, err := json.Marshal(newRegisterRequest(dev))
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding request: %w", ErrUnknown, err)
	}

	rid := uuid.NewString()
	c.logger.Info("registering device", "registration_id", dev.RegistrationID, "host", c.host)
	if err := conn.Publish(mqtt.Topics{}.DPSRegister(rid), body, 1, false); err != nil {
		return Result{}, c.classifyTransportError(ctx, conn, "publishing register request", err)
	}

	for {
		in, err := c.await(ctx, conn, responses, rid)
		if err != nil {
			return Result{}, err
		}

		op, result, err := interpret(in)
		if err != nil {
			return result, err
		}
		if result.Status == StatusAssigned {
			c.logger.Info("device assigned", "hub", result.AssignedHub, "device_id", result.DeviceID)
			return result, nil
		}

		// Still assigning: wait and poll the operation.
		wait := in.resp.RetryAfter
		if wait <= 0 {
			wait = c.retryAfter
		}
		c.logger.Debug("registration pending", "operation_id", op, "retry_after", wait)
		if err := sleep(ctx, wait); err != nil {
			return Result{}, fmt.Errorf("provisioning cancelled: %w", err)
		}

		rid = uuid.NewString()
		if err := conn.Publish(mqtt.Topics{}.DPSOperationStatus(rid, op), nil, 1, false); err != nil {
			return Result{}, c.classifyTransportError(ctx, conn, "polling operation status", err)
		}
	}
}

func newRegisterRequest(dev identity.Device) registerRequest {
	req := registerRequest{RegistrationID: dev.RegistrationID}
	if dev.ModelID != "" {
		req.Payload = &requestPayload{ModelID: dev.ModelID}
	}
	return req
}

// connectOptions builds the MQTT endpoint and credentials for a registration.
func (c *Client) connectOptions(dev identity.Device, auth identity.AuthMode) (mqtt.Options, error) {
	opts := mqtt.Options{
		Host:          c.host,
		ClientID:      dev.RegistrationID,
		Username:      fmt.Sprintf("%s/registrations/%s/api-version=%s", dev.IDScope, dev.RegistrationID, apiVersion),
		UseWebsockets: c.useWebsockets,
	}

	switch a := auth.(type) {
	case identity.SecretAuth:
		resource := fmt.Sprintf("%s/registrations/%s", dev.IDScope, dev.RegistrationID)
		token, err := credentials.SASToken(resource, a.DeviceKey(), sasKeyName, c.now().Add(c.tokenTTL))
		if err != nil {
			return mqtt.Options{}, fmt.Errorf("%w: signing token: %w", ErrCredential, err)
		}
		opts.Password = token
	case identity.Certificate:
		cert, err := a.TLSCertificate()
		if err != nil {
			return mqtt.Options{}, fmt.Errorf("%w: %w", ErrCredential, err)
		}
		opts.Certificates = append(opts.Certificates, cert)
	default:
		return mqtt.Options{}, fmt.Errorf("%w: unsupported auth mode %T", ErrCredential, auth)
	}
	return opts, nil
}

// await waits for the response to rid, ignoring stale responses.
func (c *Client) await(ctx context.Context, conn mqtt.Conn, responses <-chan inbound, rid string) (inbound, error) {
	timeout := time.NewTimer(c.responseTimeout)
	defer timeout.Stop()
	check := time.NewTicker(connectionCheckInterval)
	defer check.Stop()

	for {
		select {
		case in := <-responses:
			if in.resp.RequestID != rid {
				c.logger.Debug("ignoring stale provisioning response", "rid", in.resp.RequestID)
				continue
			}
			return in, nil
		case <-check.C:
			if !conn.IsConnected() {
				return inbound{}, fmt.Errorf("%w: awaiting response", ErrConnectionDropped)
			}
		case <-timeout.C:
			return inbound{}, fmt.Errorf("%w: no response within %v", ErrUnknown, c.responseTimeout)
		case <-ctx.Done():
			return inbound{}, fmt.Errorf("provisioning cancelled: %w", ctx.Err())
		}
	}
}

// interpret maps a response onto a Result. For an in-progress operation it
// returns the operation id and a Result with StatusAssigning.
func interpret(in inbound) (string, Result, error) {
	status := in.resp.Status

	var body operationResponse
	if len(in.payload) > 0 {
		if err := json.Unmarshal(in.payload, &body); err != nil && status < 300 {
			return "", Result{}, fmt.Errorf("%w: decoding response: %w", ErrUnknown, err)
		}
	}

	switch {
	case status == 401:
		return "", Result{}, fmt.Errorf("%w: status %d: %s", ErrCredential, status, body.Message)
	case status == 429:
		// Throttled: treat like an in-progress operation and retry after the hint.
		return body.OperationID, Result{Status: StatusAssigning, OperationID: body.OperationID}, nil
	case status >= 400 && status < 500:
		return "", Result{}, fmt.Errorf("%w: status %d: %s", ErrClient, status, body.Message)
	case status >= 300:
		return "", Result{}, fmt.Errorf("%w: status %d: %s", ErrUnknown, status, body.Message)
	}

	result := Result{OperationID: body.OperationID, Status: Status(body.Status)}
	if state := body.RegistrationState; state != nil {
		result.AssignedHub = state.AssignedHub
		result.DeviceID = state.DeviceID
		result.Substatus = state.Substatus
		if result.Status == "" {
			result.Status = Status(state.Status)
		}
	}

	switch result.Status {
	case StatusAssigned:
		if result.AssignedHub == "" || result.DeviceID == "" {
			return "", Result{Status: StatusUnknown}, fmt.Errorf("%w: assignment without hub or device id", ErrUnknown)
		}
		return body.OperationID, result, nil
	case StatusAssigning:
		if body.OperationID == "" {
			return "", Result{Status: StatusUnknown}, fmt.Errorf("%w: assigning without operation id", ErrUnknown)
		}
		return body.OperationID, result, nil
	case StatusFailed, StatusDisabled:
		detail := ""
		if state := body.RegistrationState; state != nil {
			detail = state.ErrorMessage
		}
		return "", result, fmt.Errorf("%w: registration %s: %s", ErrClient, result.Status, detail)
	default:
		result.Status = StatusUnknown
		return "", result, fmt.Errorf("%w: unexpected status %q", ErrUnknown, body.Status)
	}
}

// classifyDialError maps mqtt connect errors onto the provisioning taxonomy.
func classifyDialError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("provisioning cancelled: %w", ctx.Err())
	case errors.Is(err, mqtt.ErrNotAuthorized):
		return fmt.Errorf("%w: %w", ErrCredential, err)
	case errors.Is(err, mqtt.ErrConnectionLost):
		return fmt.Errorf("%w: %w", ErrConnectionDropped, err)
	case errors.Is(err, mqtt.ErrConnectionFailed), errors.Is(err, mqtt.ErrConnectionRefused):
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
}

// classifyTransportError maps a publish/subscribe failure on an open connection.
func (c *Client) classifyTransportError(ctx context.Context, conn mqtt.Conn, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("provisioning cancelled: %w", ctx.Err())
	case !conn.IsConnected(), errors.Is(err, mqtt.ErrNotConnected):
		return fmt.Errorf("%w: %s: %w", ErrConnectionDropped, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnknown, op, err)
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
