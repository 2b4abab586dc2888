// Package mqtttest provides an in-memory mqtt.Conn for tests.
package mqtttest

import (
	"context"
	"strings"
	"sync"

	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt"
)

// Message is a recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is a fake mqtt.Conn. Publishes are recorded and passed to OnPublish;
// Deliver routes a message to every matching subscription.
type Conn struct {
	mu            sync.Mutex
	handlers      map[string]mqtt.MessageHandler
	published     []Message
	connected     bool
	closeCount    int
	publishErr    error
	subscribeErr  error
	onPublish     func(topic string, payload []byte)
	dialed        []mqtt.Options
	dialErr       error
	publishSignal chan struct{}
	onConnect     func()
	onDisconnect  func(err error)
}

var (
	_ mqtt.Conn               = (*Conn)(nil)
	_ mqtt.ConnectionNotifier = (*Conn)(nil)
)

// NewConn returns a connected fake.
func NewConn() *Conn {
	return &Conn{
		handlers:      make(map[string]mqtt.MessageHandler),
		connected:     true,
		publishSignal: make(chan struct{}, 1),
	}
}

// OnPublish installs a hook called synchronously after each successful publish.
// Hooks that answer with Deliver should do so from a new goroutine.
func (c *Conn) OnPublish(hook func(topic string, payload []byte)) {
	c.mu.Lock()
	c.onPublish = hook
	c.mu.Unlock()
}

// FailPublish makes subsequent publishes return err (nil to clear).
func (c *Conn) FailPublish(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// FailSubscribe makes subsequent subscribes return err (nil to clear).
func (c *Conn) FailSubscribe(err error) {
	c.mu.Lock()
	c.subscribeErr = err
	c.mu.Unlock()
}

// FailDial makes Dial return err (nil to clear).
func (c *Conn) FailDial(err error) {
	c.mu.Lock()
	c.dialErr = err
	c.mu.Unlock()
}

// SetConnected changes the value reported by IsConnected.
func (c *Conn) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Dial implements mqtt.DialFunc, recording the options it was given.
func (c *Conn) Dial(_ context.Context, opts mqtt.Options) (mqtt.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialed = append(c.dialed, opts)
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	c.connected = true
	return c, nil
}

// Dialed returns the options of every Dial call.
func (c *Conn) Dialed() []mqtt.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mqtt.Options(nil), c.dialed...)
}

// Publish implements mqtt.Conn.
func (c *Conn) Publish(topic string, payload []byte, _ byte, _ bool) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.published = append(c.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	hook := c.onPublish
	c.mu.Unlock()

	select {
	case c.publishSignal <- struct{}{}:
	default:
	}

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

// Subscribe implements mqtt.Conn.
func (c *Conn) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.handlers[topic] = handler
	return nil
}

// SetOnConnect implements mqtt.ConnectionNotifier.
func (c *Conn) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect implements mqtt.ConnectionNotifier.
func (c *Conn) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// Drop simulates a lost connection, reporting err to the disconnect callback.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	callback := c.onDisconnect
	c.mu.Unlock()
	if callback != nil {
		callback(err)
	}
}

// Restore simulates an automatic reconnect after Drop.
func (c *Conn) Restore() {
	c.mu.Lock()
	c.connected = true
	callback := c.onConnect
	c.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// IsConnected implements mqtt.Conn.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements mqtt.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closeCount++
	return nil
}

// CloseCount reports how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Subscriptions returns the subscribed topic filters.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Published returns the recorded publishes whose topic starts with prefix.
func (c *Conn) Published(prefix string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.published {
		if strings.HasPrefix(m.Topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// WaitPublished blocks until at least n publishes with the given prefix have
// been recorded or ctx ends.
func (c *Conn) WaitPublished(ctx context.Context, prefix string, n int) ([]Message, bool) {
	for {
		if msgs := c.Published(prefix); len(msgs) >= n {
			return msgs, true
		}
		select {
		case <-c.publishSignal:
		case <-ctx.Done():
			return c.Published(prefix), false
		}
	}
}

// Deliver routes a message to every handler whose filter matches topic.
// It reports whether any handler received it.
func (c *Conn) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, handler := range c.handlers {
		if Match(filter, topic) {
			matched = append(matched, handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range matched {
		_ = handler(topic, payload) //nolint:errcheck // Handler errors are the subscriber's concern
	}
	return len(matched) > 0
}

// Match reports whether an MQTT topic filter (with + and # wildcards) matches topic.
func Match(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, f := range fParts {
		if f == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
