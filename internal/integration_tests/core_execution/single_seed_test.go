package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/app"
	"github.com/kkpan11/ipyflow/internal/testutil"
)

// TestCoreExecution_SingleSeedCell validates that --cell restricts the run to
// one seed instead of the whole notebook.
func TestCoreExecution_SingleSeedCell(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	notebook := testutil.NotebookJSON(
		testutil.CodeCell("setup", "x = 1"),
		testutil.CodeCell("use", "y = x + 1"),
	)

	// --- Act ---
	result := testutil.RunNotebookTest(t, notebook, func(cfg *app.Config) {
		cfg.Cell = "use"
	})

	// --- Assert ---
	require.NoError(t, result.Err)
	testutil.AssertCellRan(t, result, "use")
	testutil.AssertCellNeverRan(t, result, "setup")
}
