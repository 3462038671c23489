// Package store persists the job set.
//
// The contract is deliberately whole-set: Load returns the complete job map,
// Save replaces it. Implementations must be atomic from the caller's
// perspective (a Load never observes a partial Save).
package store
