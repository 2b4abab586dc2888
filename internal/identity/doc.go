// Package identity holds the device's load-time identity and its resolved
// authentication mode.
//
// AuthMode is a sealed sum type: SharedSecret, DerivedGroupSecret and
// Certificate are the only implementations, and Resolve turns configuration
// into exactly one of them once at startup. Components switch over the
// concrete type instead of re-reading configuration flags.
package identity
