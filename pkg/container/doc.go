// Package container implements the container state machine (spec §4.2):
// queue admission, the Create/Watch dispatch table, the 9-step Create
// path, and the polled Watch loop with its 5-consecutive-error failure
// budget. Grounded on the teacher's pkg/worker polling-loop shape
// (health_monitor.go) and pkg/health checker idiom, generalized to the
// queue/terminal-state dispatch table spec.md requires.
package container
