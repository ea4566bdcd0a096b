// Package config loads and validates Fleet Core configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file, then
// FLEETCORE_* environment variables. Validate reports every problem at once.
//
// Secrets (JWT secret, broker password, InfluxDB token) belong in the
// environment rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	window := cfg.GetReorderWindow()
package config
