// Package storage persists the tracking registry document and an append-only
// audit trail of operator actions.
//
// Drivers:
//   - "file": <path> holds the JSON document (atomic replace),
//     <prefix>.audit.jsonl holds audit lines
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//   - "none": in-memory only, nothing survives a restart
package storage
