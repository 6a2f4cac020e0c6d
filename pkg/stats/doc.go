// Package stats persists real-time server statistics: processed-job counts,
// a bounded ring of resource-usage samples, p90 estimates, and capacity.
// Mutations are totally ordered by one exclusive gate and written to disk
// before the gate is released.
package stats
