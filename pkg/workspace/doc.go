// Package workspace defines the on-disk layout of the server data directory.
package workspace
