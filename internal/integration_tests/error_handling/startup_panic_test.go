package integration_tests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/app"
	"github.com/kkpan11/ipyflow/internal/testutil"
)

// TestErrorHandling_BadProfileIsAStartupPanic validates that an unparseable
// profile file aborts startup with a recovered panic carrying the parse
// diagnostics.
func TestErrorHandling_BadProfileIsAStartupPanic(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// A profile with a syntax error that is guaranteed to fail HCL parsing.
	invalidHCL := `
		client "default" {
			endpoint =
	`
	profilePath := filepath.Join(t.TempDir(), "profile.hcl")
	require.NoError(t, os.WriteFile(profilePath, []byte(invalidHCL), 0600))

	notebook := testutil.NotebookJSON(testutil.CodeCell("a", "x = 1"))

	// --- Act ---
	result := testutil.RunNotebookTest(t, notebook, func(cfg *app.Config) {
		cfg.ProfilePath = profilePath
	})

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "application startup panicked", "the harness should have recovered a startup panic")
	require.Contains(t, result.Err.Error(), "failed to load profile", "the panic should carry the underlying reason")
	require.Nil(t, result.App, "no app instance should survive a startup panic")
}
