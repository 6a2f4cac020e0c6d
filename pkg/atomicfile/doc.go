// Package atomicfile implements crash-safe file writes.
//
// Every write goes to a temp file named "{path}.tmp.{uuid}", is flushed, and
// is renamed over the destination. A reader therefore sees either the
// complete previous document or the complete new one, never a torn write.
// SweepTemps reclaims temp files abandoned by crashes.
package atomicfile
