// Package hub implements a device session with an IoT hub over MQTT.
//
// A Session exposes the five device streams as plain methods:
//   - SendTelemetry publishes device-to-cloud messages
//   - PatchReported updates reported properties and waits for the twin response
//   - ReceiveDesiredPatch, ReceiveCommand and ReceiveMessage block until the
//     next inbound item, the context ends, or the session closes
//
// Inbound traffic is queued in bounded channels. When a queue is full the MQTT
// handler waits, which holds back that stream only.
//
// Thread Safety:
//   - All Session methods are safe for concurrent use.
//   - Close is idempotent and unblocks every receiver with ErrClosed.
package hub
