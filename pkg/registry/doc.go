// Package registry tracks golden repositories and per-user activations in
// repositories.json, written through the atomic writer.
package registry
