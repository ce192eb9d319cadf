// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the primary execution lifecycle, decoupled
// from any specific entrypoint like a CLI or server.
//
// Run loads the notebook, picks a comm transport (direct endpoint, gateway
// discovery, or the in-process loopback kernel), establishes a session
// bridge, executes the configured seed cells, and optionally keeps watching
// the notebook file for edits.
package app
