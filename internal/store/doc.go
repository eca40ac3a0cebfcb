// Package store persists batch jobs, their execution history, per-item queue
// entries, and the AR content rows (markers, contents, daily stats) that the
// built-in processors operate on.
//
// Two backends are provided:
//   - SQLite (default): durable, WAL-mode, single-writer
//   - memory: volatile, used by tests and local experiments
//
// The claim operation (queued -> processing) is a conditional update inside
// the store so it stays correct when more than one dispatcher runs against
// the same database.
package store
