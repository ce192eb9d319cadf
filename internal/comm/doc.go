// Package comm speaks the kernel's dataflow comm protocol: tagged JSON
// messages over an ordered, bidirectional channel. The Bridge is the session
// event loop — it serializes every kernel message, UI callback, and
// completion signal onto one goroutine, drives the scheduler, and projects
// the resulting state back onto the notebook surface.
package comm
