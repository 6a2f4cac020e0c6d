// Package log provides structured logging for cidx components.
//
// It wraps zerolog with a small configuration surface and helpers for
// attaching common fields (component, job, repository) to child loggers.
// All cidx binaries initialize the global logger once at startup; server
// components log JSON, interactive CLI runs use the console writer.
package log
