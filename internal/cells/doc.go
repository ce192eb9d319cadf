// Package cells defines the notebook-side data model shared by the scheduler,
// the UI projection, and the comm bridge: cell identity, cell snapshots, and
// the capability interfaces a notebook front end must provide (enumeration,
// execution, markers, edit/selection callbacks).
//
// The package also ships Document, an in-memory implementation of those
// interfaces backed by a parsed notebook file. Document is what the headless
// CLI drives, and it doubles as the test double for every package above it.
package cells
