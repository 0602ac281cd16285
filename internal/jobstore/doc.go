// Package jobstore persists job records in SQLite.
//
// The store owns schema creation via an embedded schema.sql, retries writes
// that hit SQLITE_BUSY, and evaluates update conditions inside a single
// UPDATE ... RETURNING statement so compare-and-set semantics hold across
// processes sharing the database file. The conditional update builder is
// shared with the postgres backend.
package jobstore
