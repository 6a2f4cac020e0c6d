// Package server assembles the daemon: it opens every durable store under
// the workspace, runs the startup recovery sequence, and supervises the
// scheduler, the callback dispatcher, and the HTTP API until shutdown.
package server
