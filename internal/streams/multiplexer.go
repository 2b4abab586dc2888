package streams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devicelink/internal/hub"
)

const (
	defaultTelemetryInterval = 5 * time.Second
	defaultRetryPause        = time.Second
	defaultResponseTimeout   = 10 * time.Second
)

// telemetryProperties are the system properties sent with every reading.
var telemetryProperties = map[string]string{
	"$.ct": "application/json",
	"$.ce": "utf-8",
}

// Session is the hub capability the workers need. *hub.Session satisfies it.
type Session interface {
	DeviceID() string
	SendTelemetry(ctx context.Context, payload []byte, properties map[string]string) error
	PatchReported(ctx context.Context, patch []byte) (int, error)
	ReceiveDesiredPatch(ctx context.Context) (hub.DesiredPatch, error)
	ReceiveCommand(ctx context.Context) (hub.Command, error)
	TryReceiveCommand() (hub.Command, bool)
	RespondCommand(ctx context.Context, requestID string, status int, payload []byte) error
	ReceiveMessage(ctx context.Context) (hub.Message, error)
}

// Logger is the logging surface used by the workers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

// Job is a periodic reported-property update.
type Job struct {
	Key      string
	Kind     string
	Interval time.Duration
}

// Options configures a Multiplexer.
type Options struct {
	// TelemetryInterval is the period between readings. Default: 5s.
	TelemetryInterval time.Duration

	Jobs []Job

	// Telemetry and Values default to a time-seeded RandomSource.
	Telemetry TelemetrySource
	Values    ValueSource

	// Recorder, when set, receives every reading that was sent successfully.
	Recorder TelemetryRecorder

	// RetryPause is the wait after a failed receive. Default: 1s.
	RetryPause time.Duration

	// ResponseTimeout bounds a command response sent after cancellation. Default: 10s.
	ResponseTimeout time.Duration

	Logger Logger
}

// Multiplexer runs the stream workers.
type Multiplexer struct {
	opts   Options
	logger Logger
}

// New creates a Multiplexer, filling defaults for unset options.
func New(opts Options) *Multiplexer {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = defaultTelemetryInterval
	}
	if opts.Telemetry == nil || opts.Values == nil {
		src := NewRandomSource(uint64(time.Now().UnixNano()))
		if opts.Telemetry == nil {
			opts.Telemetry = src
		}
		if opts.Values == nil {
			opts.Values = src
		}
	}
	jobs := make([]Job, len(opts.Jobs))
	for i, job := range opts.Jobs {
		if job.Interval <= 0 {
			job.Interval = opts.TelemetryInterval
		}
		jobs[i] = job
	}
	opts.Jobs = jobs
	if opts.RetryPause <= 0 {
		opts.RetryPause = defaultRetryPause
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = defaultResponseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Multiplexer{opts: opts, logger: logger}
}

// Run starts every worker and blocks until all have stopped.
//
// Parameters:
//   - ctx: Cancelling it stops every worker
//   - s: Connected session; Run never closes it
//
// Returns:
//   - error: nil after cancellation; otherwise the first worker failure
//     (e.g. hub.ErrClosed if the session was closed underneath the workers)
func (m *Multiplexer) Run(ctx context.Context, s Session) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.runTelemetry(gctx, s) })
	for _, job := range m.opts.Jobs {
		g.Go(func() error { return m.runPropertyJob(gctx, s, job) })
	}
	g.Go(func() error { return m.listen(gctx, "desired", func(ctx context.Context) error { return m.handleDesired(ctx, s) }) })
	g.Go(func() error { return m.listen(gctx, "command", func(ctx context.Context) error { return m.handleCommand(ctx, s) }) })
	g.Go(func() error { return m.listen(gctx, "message", func(ctx context.Context) error { return m.handleMessage(ctx, s) }) })

	err := g.Wait()
	m.drainCommands(ctx, s)
	if ctx.Err() != nil && (err == nil || isShutdown(err)) {
		return nil
	}
	return err
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, hub.ErrClosed)
}

// every runs fn immediately and then once per interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Multiplexer) runTelemetry(ctx context.Context, s Session) error {
	return every(ctx, m.opts.TelemetryInterval, func(ctx context.Context) {
		reading := m.opts.Telemetry.Telemetry()
		payload, err := json.Marshal(reading)
		if err != nil {
			m.logger.Warn("encoding telemetry failed", "error", err)
			return
		}

		m.logger.Debug("sending telemetry", "payload", string(payload))
		if err := s.SendTelemetry(ctx, payload, telemetryProperties); err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("sending telemetry failed", "error", err)
			}
			return
		}
		if m.opts.Recorder != nil {
			m.opts.Recorder.RecordTelemetry(s.DeviceID(), reading, time.Now())
		}
	})
}

func (m *Multiplexer) runPropertyJob(ctx context.Context, s Session, job Job) error {
	return every(ctx, job.Interval, func(ctx context.Context) {
		patch, err := reportedPatch(job.Key, m.opts.Values.Value(job.Kind))
		if err != nil {
			m.logger.Warn("encoding reported property failed", "key", job.Key, "error", err)
			return
		}

		m.logger.Debug("sending reported property", "patch", string(patch))
		if _, err := s.PatchReported(ctx, patch); err != nil && ctx.Err() == nil {
			m.logger.Warn("sending reported property failed", "key", job.Key, "error", err)
		}
	})
}

// listen calls handle until ctx ends. A closed session while ctx is live ends
// the listener with hub.ErrClosed; other failures are logged and retried after
// RetryPause.
func (m *Multiplexer) listen(ctx context.Context, name string, handle func(context.Context) error) error {
	for {
		err := handle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, hub.ErrClosed) {
			return err
		}

		m.logger.Warn("stream receive failed", "stream", name, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.RetryPause):
		}
	}
}

func (m *Multiplexer) handleDesired(ctx context.Context, s Session) error {
	patch, err := s.ReceiveDesiredPatch(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("desired properties patch received", "version", patch.Version, "payload", string(patch.Payload))

	key, ack, err := desiredAckPatch(patch.Payload, patch.Version)
	if err != nil {
		m.logger.Warn("ignoring desired patch", "error", err)
		return nil
	}
	if _, err := s.PatchReported(ctx, ack); err != nil && ctx.Err() == nil {
		m.logger.Warn("acknowledging desired property failed", "key", key, "error", err)
	}
	return nil
}

func (m *Multiplexer) handleCommand(ctx context.Context, s Session) error {
	cmd, err := s.ReceiveCommand(ctx)
	if err != nil {
		return err
	}
	m.answer(ctx, s, cmd)
	return nil
}

// drainCommands answers invocations still queued once the workers have stopped.
func (m *Multiplexer) drainCommands(ctx context.Context, s Session) {
	for {
		cmd, ok := s.TryReceiveCommand()
		if !ok {
			return
		}
		m.answer(ctx, s, cmd)
	}
}

// answer sends the single response for cmd. The response outlives ctx by up
// to ResponseTimeout so invocations taken during shutdown are still answered.
func (m *Multiplexer) answer(ctx context.Context, s Session, cmd hub.Command) {
	m.logger.Info("command received", "name", cmd.Name, "payload", string(cmd.Payload))

	status, body := commandResponse(cmd)

	respondCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ResponseTimeout)
	defer cancel()
	if err := s.RespondCommand(respondCtx, cmd.RequestID, status, body); err != nil {
		m.logger.Warn("responding to command failed", "name", cmd.Name, "error", err)
	}
}

func (m *Multiplexer) handleMessage(ctx context.Context, s Session) error {
	msg, err := s.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("cloud-to-device message received",
		"body", string(msg.Payload),
		"properties", msg.Properties,
		"content_type", msg.ContentType,
	)
	return nil
}
