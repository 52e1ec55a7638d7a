// Package config renders the registry service configuration from fleet
// state and applies it atomically when, and only when, the rendered
// document differs from the one on disk.
package config
