// Package scheduler documents its own in-flight dedup table: a
// sync.Map keyed by resource id mapping to a task handle that closes a
// channel on completion. The scheduler never blocks on a single
// reconcile — dispatch is always a `go func` — so tick cadence stays
// independent of per-resource latency (spec §4.1 "Properties").
package scheduler
