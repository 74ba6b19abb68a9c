// Package config loads and validates the connectivity service
// configuration.
//
// This package manages:
//   - Loading configuration from a YAML file over built-in defaults
//   - Overriding any value with CONNECTIVITY_* environment variables
//   - Validation that reports every problem at once
//
// Security Considerations:
//   - Secrets (JWT secret, InfluxDB token) should come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/connectivity.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Connectivity.InitTimeout)
//
// Environment variable names are derived from the YAML path in upper
// snake case: database.busy_timeout becomes CONNECTIVITY_DATABASE_BUSY_TIMEOUT
// and connectivity.kafka.version becomes CONNECTIVITY_CONNECTIVITY_KAFKA_VERSION.
package config
