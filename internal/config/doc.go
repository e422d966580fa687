// Package config loads and validates realtime service configuration
// from YAML files, with ${VAR} environment expansion and defaults for
// every optional field.
package config
