// Package scheduler drives job execution.
//
// One cooperative control loop selects ready jobs and dispatches them to the
// executor. At most one job runs at any instant across the whole scheduler:
// the safety guard's per-account limits assume serialized actions, and
// concurrent browser sessions per account are unsafe. The loop also owns the
// maintenance passes (expiry sweep, stuck-job recovery, timed store reload)
// and mints jobs from recurrence rules.
package scheduler
