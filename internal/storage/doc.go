// Package storage persists the engine aggregate, the participant directory,
// the post archive and the audit trail.
//
// Drivers:
//   - "memory": process-local, used by tests and throwaway instances
//   - "sqlite": single file database (modernc.org/sqlite, no cgo)
//   - "mysql":  shared MySQL server (github.com/go-sql-driver/mysql)
//
// Every mutation the engine makes is applied by one Commit call so readers
// never observe a half-applied rotation.
package storage
