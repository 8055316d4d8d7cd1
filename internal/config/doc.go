// ABOUTME: Package documentation for config
// ABOUTME: Explains the configuration file format and loading behavior

// Package config loads and validates the converse-gateway YAML configuration.
//
// Configuration files support ${VAR_NAME} environment variable expansion and
// Go duration strings for all timing fields. Omitted tuning fields fall back
// to the package defaults; structurally required fields (server address,
// database path, JWT secret, model endpoint) fail validation when missing.
package config
