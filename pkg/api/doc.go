// Package api is the server's HTTP surface: health, Prometheus metrics,
// the read-only startup log, job submission and inspection, and the
// repository registry.
package api
