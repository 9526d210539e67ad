// Package stores provides the run history index.
// It keeps one row per run, with the artifact path and digest, and a copy of
// every progress entry so past runs can be listed and searched by service.
// The database is SQLite in WAL mode with embedded migrations.
package stores
