// Package storage persists the broadcast audit log and the subscriber list.
//
// Drivers:
//   - file: JSON Lines audit log plus an atomically replaced subscriber snapshot
//   - sqlite: SQLite via sqlx and the pure-Go modernc driver
//   - redis: capped audit list and a subscriber hash
//
// Deferred broadcast jobs are never persisted.
package storage
