package schedule

import (
	"github.com/kkpan11/ipyflow/internal/cells"
)

// Response is the schedule payload the kernel sends for every round. Graph
// maps and readiness sets are complete snapshots, not deltas; the new-ready
// and forced lists are the per-round deltas that accumulate client-side.
//
// The kernel sends the mode flags both inside settings and as top-level
// fields. Top-level values win when both are present, since older kernels
// update only one of the two.
type Response struct {
	Settings map[string]string `json:"settings"`

	Parents  map[cells.ID][]cells.ID `json:"cell_parents"`
	Children map[cells.ID][]cells.ID `json:"cell_children"`

	WaitingCells        []cells.ID `json:"waiting_cells"`
	ReadyCells          []cells.ID `json:"ready_cells"`
	NewReadyCells       []cells.ID `json:"new_ready_cells"`
	ForcedReactiveCells []cells.ID `json:"forced_reactive_cells"`

	WaiterLinks     map[cells.ID][]cells.ID `json:"waiter_links"`
	ReadyMakerLinks map[cells.ID][]cells.ID `json:"ready_maker_links"`

	ExecMode     string `json:"exec_mode"`
	FlowOrder    string `json:"flow_order"`
	ExecSchedule string `json:"exec_schedule"`
	Highlights   string `json:"highlights"`

	LastExecutedCellID    cells.ID `json:"last_executed_cell_id"`
	LastExecutionWasError bool     `json:"last_execution_was_error"`
	IsReactivelyExecuting bool     `json:"is_reactively_executing"`
}
