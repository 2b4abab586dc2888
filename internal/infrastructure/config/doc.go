// Package config handles loading and validating devicelink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding secrets with environment variables
//   - Validation of required fields and authentication mode combinations
//   - Default value handling
//
// Security Considerations:
//   - Symmetric keys, group keys and certificate pass phrases should be set via
//     environment variables rather than committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.RegistrationID)
package config
