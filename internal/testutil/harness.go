package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput string
	Err       error
	App       *app.App
}

// RunNotebookTest provides a standardized harness for running a notebook
// end to end against the in-process loopback kernel, using a default
// background context. mutate may adjust the config before the app starts
// and may be nil.
func RunNotebookTest(t *testing.T, notebookJSON string, mutate func(*app.Config)) *HarnessResult {
	t.Helper()
	return RunNotebookTestWithContext(context.Background(), t, notebookJSON, mutate)
}

// RunNotebookTestWithContext is RunNotebookTest with a caller-provided
// context, for tests that need cancellation.
func RunNotebookTestWithContext(ctx context.Context, t *testing.T, notebookJSON string, mutate func(*app.Config)) *HarnessResult {
	t.Helper()

	tmpDir := t.TempDir()
	notebookPath := filepath.Join(tmpDir, "notebook.ipynb")
	require.NoError(t, os.WriteFile(notebookPath, []byte(notebookJSON), 0644))

	cfg := &app.Config{
		NotebookPath: notebookPath,
		LogLevel:     "debug",
		LogFormat:    "text",
	}
	if mutate != nil {
		mutate(cfg)
	}

	logBuffer := &SafeBuffer{}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				if os.Getenv("IPYFLOW_TEST_LOGS") == "true" {
					t.Logf("--- HARNESS RECOVERED PANIC ---\n%q", fmt.Sprintf("%v", r))
				}
				panicErr = r
			}
		}()
		testApp = app.New(logBuffer, cfg)
	}()

	if panicErr != nil {
		return &HarnessResult{
			LogOutput: logBuffer.String(),
			Err:       fmt.Errorf("application startup panicked | %v", panicErr),
			App:       nil,
		}
	}

	runErr := testApp.Run(ctx)

	return &HarnessResult{
		LogOutput: logBuffer.String(),
		Err:       runErr,
		App:       testApp,
	}
}
