// Package session holds the per-connection scheduler state: the dependency
// graph mirror, staleness and readiness sets, cascade accumulators, settings,
// and the lifecycle phase. A Registry owns the set of live sessions and is
// the only place sessions are created or torn down.
//
// State fields are written by exactly one event loop per session and carry no
// locks of their own. The only cross-goroutine members are the disconnected
// flag and the teardown hook list, which Destroy may touch from outside the
// loop.
package session
