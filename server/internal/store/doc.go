// Package store persists delivery outcomes and caregiver preferences.
//
// Memory is a thread-safe in-memory outcome log with retention eviction.
// SQL backs both outcomes and preferences with PostgreSQL (lib/pq), MySQL
// (go-sql-driver/mysql) or SQLite (go-sqlite3) using an embedded schema.
// StaticPreferences serves preference records seeded from configuration.
package store
