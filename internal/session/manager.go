package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/devicelink/internal/credcache"
	"github.com/nerrad567/devicelink/internal/hub"
	"github.com/nerrad567/devicelink/internal/identity"
	"github.com/nerrad567/devicelink/internal/provisioning"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = time.Minute
)

// Provisioner registers the device with the provisioning service.
// *provisioning.Client satisfies it.
type Provisioner interface {
	Register(ctx context.Context, dev identity.Device, auth identity.AuthMode) (provisioning.Result, error)
}

// DialFunc opens a hub session. hub.Dial is the production implementation.
type DialFunc func(ctx context.Context, p hub.Params) (*hub.Session, error)

// Logger is the logging surface used by Manager.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

// Options configures a Manager.
type Options struct {
	Device identity.Device
	Auth   identity.AuthMode

	// Cache holds the last assignment. Nil disables caching.
	Cache credcache.Cache

	Provisioner Provisioner

	// Dial opens the hub session. Default: hub.Dial.
	Dial DialFunc

	// Hub carries the transport settings copied into every hub.Params
	// (websockets, keepalive, token TTL, QoS, transport dialer, logger).
	Hub hub.Params

	// MaxAttempts bounds connection attempts; 0 means unbounded.
	MaxAttempts int

	// InitialDelay and MaxDelay shape the exponential backoff between attempts.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger Logger
}

// Manager drives the connection state machine.
//
// Thread Safety:
//   - State, OnStateChange and Release are safe for concurrent use.
//   - Connect must not be called concurrently with itself.
type Manager struct {
	opts   Options
	dial   DialFunc
	logger Logger

	mu       sync.Mutex
	state    State
	session  *hub.Session
	released bool
	onChange func(from, to State)

	releaseOnce sync.Once
	releaseErr  error
}

// NewManager creates a Manager in the Idle state.
func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:   opts,
		dial:   opts.Dial,
		logger: opts.Logger,
		state:  StateIdle,
	}
	if m.dial == nil {
		m.dial = hub.Dial
	}
	if m.logger == nil {
		m.logger = nopLogger{}
	}
	if m.opts.InitialDelay <= 0 {
		m.opts.InitialDelay = defaultInitialDelay
	}
	if m.opts.MaxDelay < m.opts.InitialDelay {
		m.opts.MaxDelay = max(defaultMaxDelay, m.opts.InitialDelay)
	}
	return m
}

// OnStateChange registers a callback invoked after every transition.
// The callback runs synchronously on the goroutine that caused the transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the connected session, or nil.
func (m *Manager) Session() *hub.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to || from == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.state = to
	callback := m.onChange
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from.String(), "to", to.String())
	if callback != nil {
		callback(from, to)
	}
}

// Connect establishes a hub session, provisioning as needed and retrying
// failed attempts with exponential backoff.
//
// Parameters:
//   - ctx: Cancels the whole connection procedure, including backoff waits
//
// Returns:
//   - *hub.Session: Connected session, owned by the Manager until Release
//   - error: ctx.Err(), ErrReleased, or ErrRetriesExhausted wrapping the last failure
func (m *Manager) Connect(ctx context.Context) (*hub.Session, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.InitialDelay
	bo.MaxInterval = m.opts.MaxDelay
	bo.Reset()

	for attempt := 1; ; attempt++ {
		if m.isReleased() {
			return nil, ErrReleased
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := m.attempt(ctx)
		if err == nil {
			return m.adopt(sess)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.setState(StateIdle)
			return nil, ctxErr
		}

		m.setState(StateIdle)
		if m.opts.MaxAttempts > 0 && attempt >= m.opts.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = m.opts.MaxDelay
		}
		m.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"retry_in", wait.String(),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// adopt records a freshly connected session unless Release won the race.
func (m *Manager) adopt(sess *hub.Session) (*hub.Session, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		sess.Close() //nolint:errcheck // Session was never handed out
		return nil, ErrReleased
	}
	m.session = sess
	m.mu.Unlock()

	m.setState(StateConnected)
	return sess, nil
}

// attempt performs one pass: cached assignment or provisioning, then dial.
func (m *Manager) attempt(ctx context.Context) (*hub.Session, error) {
	var (
		creds  credcache.Credentials
		cached bool
	)
	if m.opts.Cache != nil {
		creds, cached = credcache.LoadFor(m.opts.Cache, m.opts.Device.RegistrationID)
	}

	if cached {
		m.logger.Info("using cached hub assignment", "hub", creds.Endpoint, "device_id", creds.DeviceID)
	} else {
		m.setState(StateProvisioning)
		result, err := m.opts.Provisioner.Register(ctx, m.opts.Device, m.opts.Auth)
		if err != nil {
			return nil, fmt.Errorf("provisioning: %w", err)
		}
		if result.Status != provisioning.StatusAssigned {
			return nil, fmt.Errorf("%w: status %q", ErrNotAssigned, result.Status)
		}

		creds = credcache.Credentials{
			Secret:   deviceKey(m.opts.Auth),
			Endpoint: result.AssignedHub,
			DeviceID: result.DeviceID,
		}
		if m.opts.Cache != nil {
			if err := m.opts.Cache.Save(creds); err != nil {
				m.logger.Warn("saving hub assignment failed", "error", err)
			}
		}
	}

	m.setState(StateConnecting)
	sess, err := m.dial(ctx, m.hubParams(creds))
	if err != nil {
		if m.opts.Cache != nil {
			if invErr := m.opts.Cache.Invalidate(); invErr != nil {
				m.logger.Warn("invalidating hub assignment failed", "error", invErr)
			}
		}
		return nil, fmt.Errorf("connecting to %s: %w", creds.Endpoint, err)
	}
	return sess, nil
}

// hubParams builds dial parameters. Certificate mode never uses a cached secret.
func (m *Manager) hubParams(creds credcache.Credentials) hub.Params {
	p := m.opts.Hub
	p.Hub = creds.Endpoint
	p.DeviceID = creds.DeviceID
	p.ModelID = m.opts.Device.ModelID

	switch auth := m.opts.Auth.(type) {
	case identity.Certificate:
		p.Certificate = &auth
		p.Key = ""
	case identity.SecretAuth:
		p.Key = creds.Secret
		if p.Key == "" {
			p.Key = auth.DeviceKey()
		}
	}
	return p
}

func deviceKey(auth identity.AuthMode) string {
	if secret, ok := auth.(identity.SecretAuth); ok {
		return secret.DeviceKey()
	}
	return ""
}

func (m *Manager) isReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Release closes the session (if any) and moves to Terminated.
// Only the first call has an effect; later calls return the first result.
func (m *Manager) Release(_ context.Context) error {
	m.releaseOnce.Do(func() {
		m.mu.Lock()
		m.released = true
		sess := m.session
		m.mu.Unlock()

		if sess != nil {
			m.setState(StateDisconnecting)
			if err := sess.Close(); err != nil && !errors.Is(err, hub.ErrClosed) {
				m.releaseErr = fmt.Errorf("closing session: %w", err)
			}
		}
		m.setState(StateTerminated)
	})
	return m.releaseErr
}
