// Package schedule turns kernel schedule responses into execution decisions.
//
// Each response drives one round of a cascade: accumulate the kernel's
// readiness deltas, pick candidates under the configured reactivity policy,
// and either dispatch them through the execution driver or settle the
// cascade. The per-session bookkeeping lives in package session; this package
// is the state machine that advances it.
package schedule
