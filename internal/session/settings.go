package session

// ExecMode selects whether downstream cells run automatically.
type ExecMode string

const (
	ExecNormal   ExecMode = "normal"
	ExecReactive ExecMode = "reactive"
)

// Valid reports whether the mode is one the scheduler understands.
func (m ExecMode) Valid() bool {
	return m == ExecNormal || m == ExecReactive
}

// FlowOrder constrains dependency direction by notebook position.
type FlowOrder string

const (
	FlowAnyOrder FlowOrder = "any_order"
	FlowInOrder  FlowOrder = "in_order"
)

// ExecSchedule selects the kernel-side scheduling discipline.
type ExecSchedule string

const (
	ScheduleLivenessBased ExecSchedule = "liveness_based"
	ScheduleDAGBased      ExecSchedule = "dag_based"
	ScheduleStrict        ExecSchedule = "strict"
)

// ReactivityMode selects how cascade candidates are dispatched.
type ReactivityMode string

const (
	ReactivityIncremental ReactivityMode = "incremental"
	ReactivityBatch       ReactivityMode = "batch"
)

// Valid reports whether the mode is one the scheduler understands. Unknown
// values are carried verbatim so handlers can log what actually arrived.
func (m ReactivityMode) Valid() bool {
	return m == ReactivityIncremental || m == ReactivityBatch
}

// Highlights selects which cell decorations the projection renders.
type Highlights string

const (
	HighlightsAll  Highlights = "all"
	HighlightsNone Highlights = "none"
)

// Settings is the client's snapshot of kernel-side configuration. The kernel
// re-sends it with every schedule response; unknown keys are dropped, unknown
// values are kept as-is for the consumer to reject.
type Settings struct {
	ExecMode       ExecMode
	FlowOrder      FlowOrder
	ExecSchedule   ExecSchedule
	ReactivityMode ReactivityMode
	Highlights     Highlights
}

// DefaultSettings returns the configuration assumed before the kernel has
// said anything.
func DefaultSettings() Settings {
	return Settings{
		ExecMode:       ExecNormal,
		FlowOrder:      FlowAnyOrder,
		ExecSchedule:   ScheduleLivenessBased,
		ReactivityMode: ReactivityIncremental,
		Highlights:     HighlightsAll,
	}
}

// Apply overlays the known keys from a raw settings map onto s and returns
// the result. Empty values never overwrite.
func (s Settings) Apply(raw map[string]string) Settings {
	if v := raw["exec_mode"]; v != "" {
		s.ExecMode = ExecMode(v)
	}
	if v := raw["flow_order"]; v != "" {
		s.FlowOrder = FlowOrder(v)
	}
	if v := raw["exec_schedule"]; v != "" {
		s.ExecSchedule = ExecSchedule(v)
	}
	if v := raw["reactivity_mode"]; v != "" {
		s.ReactivityMode = ReactivityMode(v)
	}
	if v := raw["highlights"]; v != "" {
		s.Highlights = Highlights(v)
	}
	return s
}
