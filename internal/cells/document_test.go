package cells

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func newTestDoc(t *testing.T) *Document {
	t.Helper()
	d, err := NewDocument([]Cell{
		{ID: "a", Kind: Code, Source: "x = 1"},
		{ID: "b", Kind: Markdown, Source: "# notes"},
		{ID: "c", Kind: Code, Source: "y = x + 1", Counter: intPtr(3)},
	})
	require.NoError(t, err)
	return d
}

func TestNewDocument_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	_, err := NewDocument([]Cell{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate cell id")
}

func TestCells_SnapshotsAreDetached(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	snap := d.Cells()
	require.Len(t, snap, 3)
	assert.Equal(t, 1, snap[1].Index)

	// Mutating a returned counter must not leak back into the document.
	*snap[2].Counter = 99
	c, ok := d.Cell("c")
	require.True(t, ok)
	assert.Equal(t, 3, *c.Counter)
}

func TestSetSource_MarksDirtyAndNotifies(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	var got []ID
	cancel := d.OnContentChange(func(id ID) { got = append(got, id) })
	defer cancel()

	d.SetSource("a", "x = 2")
	d.SetSource("a", "x = 2") // unchanged source is a no-op

	c, _ := d.Cell("a")
	assert.True(t, c.Dirty)
	assert.Equal(t, "x = 2", c.Source)
	assert.Equal(t, []ID{"a"}, got)
}

func TestOnActiveCellChange_CancelStopsDelivery(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	var calls int
	cancel := d.OnActiveCellChange(func(ID) { calls++ })

	d.SetActive("c")
	cancel()
	d.SetActive("a")

	assert.Equal(t, 1, calls)
	assert.Equal(t, ID("a"), d.Active())
}

func TestExecute_RecordsCounterAndClearsDirty(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)
	d.SetDirty("a", true)
	d.SetExec(func(_ context.Context, c Cell) RunResult {
		return RunResult{Counter: 7}
	})

	ch, err := d.Execute(context.Background(), "a")
	require.NoError(t, err)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, ID("a"), res.Cell)
		assert.Equal(t, 7, res.Counter)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution result")
	}

	c, _ := d.Cell("a")
	require.NotNil(t, c.Counter)
	assert.Equal(t, 7, *c.Counter)
	assert.False(t, c.Dirty)
}

func TestExecute_FailureLeavesCellUntouched(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)
	d.SetDirty("a", true)
	d.SetExec(func(_ context.Context, c Cell) RunResult {
		return RunResult{Err: errors.New("kernel exploded")}
	})

	ch, err := d.Execute(context.Background(), "a")
	require.NoError(t, err)
	res := <-ch
	require.Error(t, res.Err)

	c, _ := d.Cell("a")
	assert.Nil(t, c.Counter)
	assert.True(t, c.Dirty)
}

func TestExecute_ErrorsWithoutBackendOrCell(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	_, err := d.Execute(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend")

	d.SetExec(func(context.Context, Cell) RunResult { return RunResult{} })
	_, err = d.Execute(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cell")
}

func TestHoverCallbacks(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	var entered, left int
	cancel := d.OnHover("a", func() { entered++ }, func() { left++ })

	d.HoverEnter("a")
	d.HoverLeave("a")
	cancel()
	d.HoverEnter("a")

	assert.Equal(t, 1, entered)
	assert.Equal(t, 1, left)
}

func TestClassMutators(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)

	d.SetClasses("a", []string{"ready-cell"})
	d.AddClass("a", "linked-waiting")
	d.AddClass("a", "linked-waiting") // idempotent
	assert.Equal(t, []string{"ready-cell", "linked-waiting"}, d.Classes("a"))

	d.RemoveClass("a", "ready-cell")
	assert.Equal(t, []string{"linked-waiting"}, d.Classes("a"))
}

// TestDocument_ConcurrentAccess verifies the document tolerates simultaneous
// readers and writers without data races or lost writes.
func TestDocument_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	var list []Cell
	for i := 0; i < 50; i++ {
		list = append(list, Cell{ID: ID(fmt.Sprintf("cell-%d", i)), Kind: Code})
	}
	d, err := NewDocument(list)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ID(fmt.Sprintf("cell-%d", i))
			d.SetSource(id, fmt.Sprintf("v = %d", i))
			d.SetMarker(id, MarkerQueued)
			d.Cells()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		id := ID(fmt.Sprintf("cell-%d", i))
		c, ok := d.Cell(id)
		require.True(t, ok)
		assert.True(t, c.Dirty, "cell %s should be dirty after edit", id)
		assert.Equal(t, MarkerQueued, d.Marker(id))
	}
}

func TestReplace_PreservesSurvivorState(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)
	d.SetMarker("c", MarkerDone)

	var changed []ID
	d.OnContentChange(func(id ID) { changed = append(changed, id) })

	err := d.Replace([]Cell{
		{ID: "c", Kind: Code, Source: "y = x + 2", Counter: intPtr(99)},
		{ID: "d", Kind: Code, Source: "z = y", Counter: intPtr(7)},
	})
	require.NoError(t, err)

	// Survivor keeps its runtime counter and marker, not the file's values,
	// and the source edit marks it dirty.
	c, ok := d.Cell("c")
	require.True(t, ok)
	require.NotNil(t, c.Counter)
	assert.Equal(t, 3, *c.Counter)
	assert.True(t, c.Dirty)
	assert.Equal(t, "y = x + 2", c.Source)
	assert.Equal(t, MarkerDone, d.Marker("c"))
	assert.Equal(t, []ID{"c"}, changed)

	// The new cell takes the file's counter as-is.
	dd, ok := d.Cell("d")
	require.True(t, ok)
	require.NotNil(t, dd.Counter)
	assert.Equal(t, 7, *dd.Counter)
	assert.Equal(t, 1, dd.Index)

	// Indexes follow the new order.
	assert.Equal(t, 0, d.Cells()[0].Index)
	assert.Equal(t, ID("c"), d.Cells()[0].ID)
}

func TestReplace_ActiveFallsBackToFirst(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)
	d.SetActive("b")

	require.NoError(t, d.Replace([]Cell{{ID: "a", Kind: Code, Source: "x = 1"}}))
	assert.Equal(t, ID("a"), d.Active())
}

func TestReplace_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t)
	err := d.Replace([]Cell{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
}
