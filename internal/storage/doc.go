// Package storage persists what invoiced produces: run history of scheduled
// jobs and the invoice records the inbox poller creates.
//
// Backends: JSON Lines files, SQLite (modernc, pure Go) and PostgreSQL (sqlx + lib/pq).
package storage
