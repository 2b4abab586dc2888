// Package session owns the device's connection lifecycle.
//
// Manager moves through Idle, Provisioning, Connecting and Connected, falling
// back to provisioning whenever the cached hub assignment is missing, belongs to
// another device, or fails to connect. Failed attempts are retried with
// exponential backoff; connection.max_attempts bounds them (0 retries forever).
//
// Release closes the session and reaches Terminated exactly once.
package session
