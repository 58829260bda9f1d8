// Package storage persists the observed group audience and the audit trail of
// mass DM runs.
//
// Drivers:
//   - "memory": process-local maps (default)
//   - "file": JSON Lines journal + snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
