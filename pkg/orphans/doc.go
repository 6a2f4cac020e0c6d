// Package orphans classifies job workspaces, engine containers, and index
// directories, and removes abandoned ones transactionally. A cleanup marker
// written before any deletion lets an interrupted cleanup resume on the
// next startup, and a final heartbeat double-check protects workspaces that
// come back to life.
package orphans
