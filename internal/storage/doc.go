// Package storage persists one delivery record per schedule slot.
//
// Every mutation is durable before it returns, so a slot whose record says
// delivered is never sent again after a restart. Two drivers exist:
//   - "file": fsync'd JSON-lines journal compacted into a snapshot
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, pure Go)
package storage
