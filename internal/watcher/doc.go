// Package watcher observes a notebook file on disk and reports write bursts
// once they settle. It feeds the headless watch mode, where file edits stand
// in for UI edits.
package watcher
