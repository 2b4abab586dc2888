// Package api serves the local status endpoints for devicelink.
//
// Two read-only routes are exposed, intended for a supervisor or a curl
// from the device itself:
//
//	GET /api/v1/health  200 when every registered check passes, 503 otherwise
//	GET /api/v1/status  connection state, assigned hub and device id
//
// The server follows the same lifecycle as the other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
