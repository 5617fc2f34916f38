// Package storage is the persistence layer behind scheduled tasks, user
// profiles, the action audit log and notifier dedup state.
//
// Two drivers exist:
//   - "file": JSON documents in a data directory, each rewritten whole
//     (write to tmp, then rename) on every change; audit is JSON Lines.
//   - "sqlite": a single SQLite database with the same semantics.
//
// Task and profile payloads are opaque to this package beyond their wire
// shape; lifecycle rules live in internal/task and internal/profile.
package storage
