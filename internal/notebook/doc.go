// Package notebook loads nbformat-4 documents from disk into the in-memory
// cell model. Cell ids come from the nbformat id field when present
// (nbformat >= 4.5) and are generated from position otherwise.
package notebook
