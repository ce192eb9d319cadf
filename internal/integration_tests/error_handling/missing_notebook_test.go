package integration_tests

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/app"
	"github.com/kkpan11/ipyflow/internal/testutil"
)

// TestErrorHandling_MissingNotebookFile validates that a nonexistent notebook
// path fails the run with a wrapped load error instead of panicking.
func TestErrorHandling_MissingNotebookFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	notebook := testutil.NotebookJSON(testutil.CodeCell("a", "x = 1"))
	absent := filepath.Join(t.TempDir(), "absent.ipynb")

	// --- Act ---
	result := testutil.RunNotebookTest(t, notebook, func(cfg *app.Config) {
		cfg.NotebookPath = absent
	})

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "failed to load notebook")
}

// TestErrorHandling_MalformedNotebookFile validates that invalid notebook
// JSON is reported as a load error.
func TestErrorHandling_MalformedNotebookFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	notJSON := `{"nbformat": 4, "cells": [`

	// --- Act ---
	result := testutil.RunNotebookTest(t, notJSON, nil)

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "failed to load notebook")
}
