// Package storage keeps a history of test runs across pagetest sessions.
//
// Drivers:
//   - "file": JSON Lines append log, no dependencies
//   - "sqlite": SQLite database via modernc.org/sqlite (pure Go)
package storage
