// Package client is the HTTP client for the server's job and system API,
// used by the CLI when it runs inside a single indexed repository.
package client
