package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertCellRan checks the log output within a HarnessResult to confirm that
// a specific cell completed an execution. It keys off the driver's completion
// log line rather than internal state, so tests stay resilient to refactors.
func AssertCellRan(t *testing.T, result *HarnessResult, cellID string) {
	t.Helper()

	expectedLogSubstring := fmt.Sprintf("cell_id=%s counter=", cellID)

	require.True(t,
		strings.Contains(result.LogOutput, expectedLogSubstring),
		"expected completion log for cell %q was not found in logs", cellID,
	)
}

// AssertCellNeverRan is the inverse of AssertCellRan.
func AssertCellNeverRan(t *testing.T, result *HarnessResult, cellID string) {
	t.Helper()

	require.False(t,
		strings.Contains(result.LogOutput, fmt.Sprintf("cell_id=%s counter=", cellID)),
		"cell %q completed an execution but should not have", cellID,
	)
}
