// Package safety gates every platform action the scheduler performs.
//
// A Guard tracks per-account health: a sliding-window rate limit, a daily
// action quota, minimum spacing between actions, duplicate-content detection,
// and a risk level that escalates with errors and can auto-pause the account.
//
// One Guard instance is shared process-wide (constructed explicitly and passed
// by reference, never a global). All check-then-record sequences are serialized
// by an internal mutex so two concurrent callers cannot both observe "allowed"
// before either records its action.
package safety
