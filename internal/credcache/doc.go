// Package credcache persists the outcome of a successful provisioning so the
// device can reconnect without contacting the provisioning service again.
//
// Three backends implement Cache:
//   - FileCache: a JSON document written atomically (temp file + rename)
//   - SQLiteCache: one row in the credential_cache table
//   - BoltCache: one key in a bbolt bucket
//
// A corrupt or unreadable entry is reported as a miss, never as an error, so a
// damaged cache only costs one extra provisioning round trip.
//
// Usage:
//
//	cache, err := credcache.Open(cfg.Cache, registrationID, db, log)
//	if err != nil {
//	    return err
//	}
//	if creds, ok := credcache.LoadFor(cache, registrationID); ok {
//	    // connect to creds.Endpoint as creds.DeviceID
//	}
package credcache
