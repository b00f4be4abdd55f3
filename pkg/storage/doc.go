// Package storage persists namespaces, containers, processors, secrets,
// volumes, and agent keys behind the Store interface. BoltStore is the
// only implementation: one bbolt bucket per resource kind, JSON-encoded
// values, and a maintained id-set index for the active/inactive status
// partition so the scheduler's "find all active" scan (spec §4.1) doesn't
// require a full bucket walk.
package storage
