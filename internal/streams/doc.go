// Package streams runs the device's concurrent message streams over a hub
// session until the context is cancelled.
//
// Workers:
//   - telemetry: periodic device-to-cloud readings
//   - property reporters: one per configured job, each on its own period
//   - desired-property listener: acknowledges every desired patch
//   - command listener: answers direct methods ("echo" succeeds, others get 400)
//   - message listener: logs cloud-to-device messages
//
// All workers share one errgroup context. A failed send is logged and the
// worker keeps going; cancellation ends every worker and Run returns nil.
package streams
