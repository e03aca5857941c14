// Package stores provides the persistence layer for datamill run history.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for runs, per-resource sync outcomes, and run events.
package stores
