// Package logging provides structured logging for the connectivity
// service.
//
// It wraps log/slog with the service defaults: JSON or text output,
// level filtering, and service/version attributes on every entry.
// Connection clients log through ForConnection so each entry carries
// connection_id and connection_type.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting service", "port", cfg.API.Port)
//
// Never log secrets. Connection URIs may embed credentials; log the
// connection id instead.
package logging
