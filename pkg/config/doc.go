// Package config loads the server configuration from config.yaml with
// built-in defaults.
package config
