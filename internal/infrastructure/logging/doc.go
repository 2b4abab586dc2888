// Package logging provides structured logging for devicelink.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same format and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("session connected", "hub", hub)
//
// # Security
//
// Never log symmetric keys, group keys, SAS tokens or certificate pass phrases.
package logging
