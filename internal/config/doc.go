// Package config defines the hatchery settings and provides helpers to
// locate, load and validate them from YAML or TOML files.
//
// The Config value is threaded explicitly into every bootstrap stage; only
// this package reads the process environment.
package config
