// Package mqtt provides MQTT client connectivity for devicelink.
//
// This package manages:
//   - Connections to the provisioning service and the IoT hub over MQTT 3.1.1
//   - TLS with SAS-token passwords or X.509 client certificates
//   - MQTT over WebSockets (wss://host:443/$iothub/websocket) for restrictive networks
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored automatically after a reconnect
//   - Classification of CONNACK and network failures into sentinel errors
//
// # Architecture
//
// The wire protocol is handled by github.com/eclipse/paho.mqtt.golang. This
// package only adapts it: callers build Options for one endpoint, Connect, and
// use the Conn interface for publish/subscribe. Topic names for the
// provisioning service and the hub live in topics.go.
//
//	provisioning ─┐
//	              ├─ mqtt.Conn ─ paho ─ TLS/WebSocket ─ service
//	hub session ──┘
//
// # Security Considerations
//
//   - TLS 1.2 is the minimum; plain TCP is only used when Options.Insecure is set (tests)
//   - Passwords are SAS tokens and are never logged
//   - CredentialsProvider is re-evaluated on every reconnect so expired tokens are refreshed
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, mqtt.Options{
//	    Host:     "example.azure-devices.net",
//	    ClientID: "sensor-01",
//	    Username: "example.azure-devices.net/sensor-01/?api-version=2021-04-12",
//	    Password: token,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.MethodRequests(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
