// Package driver triggers cell executions against the notebook backend and
// fixes up client-visible prompt markers when a batch partially fails. It
// never cancels kernel-side work: the kernel processes submissions in order,
// and a prior error does not dequeue later ones at the protocol level.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

// Target is the slice of notebook capability the driver needs: submitting
// executions and reading or writing prompt markers.
type Target interface {
	Execute(ctx context.Context, id cells.ID) (<-chan cells.RunResult, error)
	Marker(id cells.ID) cells.Marker
	SetMarker(id cells.ID, m cells.Marker)
}

// Driver dispatches cell batches and watches their completions.
type Driver struct {
	target   Target
	onDone   func(cells.RunResult)
	wg       conc.WaitGroup
	inflight atomic.Int64
}

// New returns a driver submitting to target. onDone runs once per completed
// cell, on the watcher goroutine, after the in-flight count has been
// decremented; it may be nil.
func New(target Target, onDone func(cells.RunResult)) *Driver {
	return &Driver{target: target, onDone: onDone}
}

// ExecuteSequence triggers every cell in order without awaiting completions
// between them, then installs a completion watcher per started cell. Cells
// that fail to trigger are reported in the joined error; the rest of the
// batch still runs.
func (d *Driver) ExecuteSequence(ctx context.Context, batch []cells.Cell) error {
	logger := ctxlog.FromContext(ctx)

	type launched struct {
		id cells.ID
		ch <-chan cells.RunResult
	}
	var started []launched
	var errs []error
	for _, c := range batch {
		d.target.SetMarker(c.ID, cells.MarkerQueued)
		ch, err := d.target.Execute(ctx, c.ID)
		if err != nil {
			d.target.SetMarker(c.ID, cells.MarkerNone)
			logger.Warn("Failed to trigger cell execution.",
				"cell_id", string(c.ID), "error", err)
			errs = append(errs, fmt.Errorf("trigger %s: %w", c.ID, err))
			continue
		}
		started = append(started, launched{id: c.ID, ch: ch})
	}

	ids := make([]cells.ID, len(started))
	for i, l := range started {
		ids[i] = l.id
	}
	for _, l := range started {
		d.inflight.Add(1)
		d.wg.Go(func() {
			d.watch(ctx, l.id, l.ch, ids)
		})
	}
	return errors.Join(errs...)
}

func (d *Driver) watch(ctx context.Context, id cells.ID, ch <-chan cells.RunResult, batch []cells.ID) {
	var res cells.RunResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		d.target.SetMarker(id, cells.MarkerNone)
		d.inflight.Add(-1)
		return
	}
	res.Cell = id

	if res.Err != nil {
		ctxlog.FromContext(ctx).Debug("Cell execution failed.",
			"cell_id", string(id), "error", res.Err)
		d.target.SetMarker(id, cells.MarkerNone)
		// Visually cancel batch mates that are still queued. The kernel
		// will run them anyway; only the client-side markers lie.
		for _, other := range batch {
			if other != id && d.target.Marker(other) == cells.MarkerQueued {
				d.target.SetMarker(other, cells.MarkerNone)
			}
		}
	} else {
		ctxlog.FromContext(ctx).Debug("Cell execution finished.",
			"cell_id", string(id), "counter", res.Counter)
		d.target.SetMarker(id, cells.MarkerDone)
	}

	// Decrement before onDone: the completion round it triggers must see
	// this cell as no longer in flight.
	d.inflight.Add(-1)
	if d.onDone != nil {
		d.onDone(res)
	}
}

// InFlight reports how many dispatched cells have not completed yet.
func (d *Driver) InFlight() int {
	return int(d.inflight.Load())
}

// Wait blocks until every completion watcher has finished.
func (d *Driver) Wait() {
	d.wg.Wait()
}
