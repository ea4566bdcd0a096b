// Package logging provides structured logging for Fleet Core.
//
// It wraps log/slog so every entry carries the service name and build
// version, in JSON for production or text for development.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/fleetcore/core.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("task submitted", "task_id", id, "area", area)
//
// Never log JWT secrets, broker passwords or InfluxDB tokens.
package logging
