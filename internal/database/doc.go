// Package database owns the SQLite connection, schema and migrations of the
// asset index.
//
// Tables:
//   - blobs: one row per distinct content hash, with its reference count
//   - assets: physical file locations; at most one present row per path
//   - jobs: background work, at most one live job per (kind, target)
//   - audit_log: append-only mutation history (enforced by triggers)
//   - metadata: key/value bookkeeping such as last sweep times
//
// The database runs in WAL mode and opens every transaction with BEGIN
// IMMEDIATE. Stores in other packages query through DB() and mutate inside
// transactions handed to them by the audit log.
package database
