package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 30 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultMaxReconnectInterval caps paho's reconnect backoff.
	defaultMaxReconnectInterval = 60 * time.Second

	// mqttTLSPort and websocketPort are the service ports for the two transports.
	mqttTLSPort   = 8883
	websocketPort = 443

	// websocketPath is the MQTT-over-WebSocket endpoint shared by the hub and provisioning service.
	websocketPath = "/$iothub/websocket"

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options describes one broker endpoint and the credentials to present to it.
type Options struct {
	// Host is the broker host name (no scheme, no port).
	Host string

	// Port overrides the transport's default port (8883 or 443).
	Port int

	// ClientID is the MQTT client identifier (the device or registration id).
	ClientID string

	// Username and Password are sent in CONNECT. Password is typically a SAS token.
	Username string
	Password string

	// CredentialsProvider, when set, supplies username and password on every
	// (re)connect instead of the static fields.
	CredentialsProvider func() (username, password string)

	// Certificates are presented for X.509 client authentication.
	Certificates []tls.Certificate

	// UseWebsockets selects wss://host:443/$iothub/websocket instead of ssl://host:8883.
	UseWebsockets bool

	// Insecure selects plain tcp:// (local brokers in tests only).
	Insecure bool

	// AutoReconnect lets paho restore a dropped connection (hub sessions).
	AutoReconnect bool

	// KeepAlive is the MQTT keepalive interval. Default: 60s.
	KeepAlive time.Duration

	// ConnectTimeout bounds the initial connection attempt. Default: 30s.
	ConnectTimeout time.Duration

	// MaxReconnectInterval caps paho's reconnect backoff. Default: 60s.
	MaxReconnectInterval time.Duration

	// Logger receives handler errors and recovered panics. Optional.
	Logger Logger
}

// BrokerURL returns the paho broker URL for the options.
//
// Examples:
//
//	ssl://example.azure-devices.net:8883
//	wss://example.azure-devices.net:443/$iothub/websocket
//	tcp://127.0.0.1:1883
func (o Options) BrokerURL() string {
	switch {
	case o.Insecure:
		port := o.Port
		if port == 0 {
			port = 1883
		}
		return fmt.Sprintf("tcp://%s:%d", o.Host, port)
	case o.UseWebsockets:
		port := o.Port
		if port == 0 {
			port = websocketPort
		}
		return fmt.Sprintf("wss://%s:%d%s", o.Host, port, websocketPath)
	default:
		port := o.Port
		if port == 0 {
			port = mqttTLSPort
		}
		return fmt.Sprintf("ssl://%s:%d", o.Host, port)
	}
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}

// buildClientOptions creates paho MQTT options from Options.
//
// This configures:
//   - Broker URL (ssl://, wss:// or tcp://)
//   - Client ID and credentials (static or provider)
//   - TLS with optional client certificates
//   - Optional auto-reconnect with capped backoff
//   - Clean session mode
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)

	// IoT Hub and DPS only speak MQTT 3.1.1
	opts.SetProtocolVersion(4)

	if o.CredentialsProvider != nil {
		opts.SetCredentialsProvider(pahomqtt.CredentialsProvider(o.CredentialsProvider))
	} else if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	// Clean session - cloud-to-device state is kept by the service, not the broker session
	opts.SetCleanSession(true)

	// The first connect must fail fast so the caller's retry policy runs;
	// paho only takes over reconnection once a session is established.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(o.AutoReconnect)
	maxReconnect := o.MaxReconnectInterval
	if maxReconnect <= 0 {
		maxReconnect = defaultMaxReconnectInterval
	}
	opts.SetMaxReconnectInterval(maxReconnect)

	opts.SetConnectTimeout(o.connectTimeout())

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	// Handlers may block on a full queue; ordered delivery would stall the router.
	opts.SetOrderMatters(false)

	if !o.Insecure {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:   tlsMinVersion,
			ServerName:   o.Host,
			Certificates: o.Certificates,
		})
	}

	return opts
}
