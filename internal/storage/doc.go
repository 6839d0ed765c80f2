// Package storage persists couriers, slips, notification settings, scheduler
// metadata and the operator audit log.
//
// Three drivers implement Store:
//   - "file": snapshot + journal files, no external database
//   - "sqlite": a single SQLite database file (modernc.org/sqlite)
//   - "postgres": a PostgreSQL database via pgxpool
//
// Couriers and slips carry a Version that every write bumps; writes whose
// expected version no longer matches fail instead of overwriting.
package storage
