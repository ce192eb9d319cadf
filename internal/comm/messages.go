package comm

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/schedule"
)

// Message tags. Every payload in either direction carries one in its "type"
// field.
const (
	TypeEstablish           = "establish"
	TypeUnestablish         = "unestablish"
	TypeSetExecMode         = "set_exec_mode"
	TypeComputeExecSchedule = "compute_exec_schedule"

	TypeChangeActiveCell     = "change_active_cell"
	TypeNotifyContentChanged = "notify_content_changed"
	TypeReactivityCleanup    = "reactivity_cleanup"
	TypeToggleReactivity     = "toggle_reactivity"
)

// ErrFailedPayload marks an incoming message whose success flag was false.
// The whole message is dropped; no partial application.
var ErrFailedPayload = errors.New("comm: payload flagged unsuccessful")

// Incoming is the closed set of kernel-to-client messages. Handlers switch
// over it exhaustively; Unknown is the required default branch.
type Incoming interface {
	incomingTag() string
}

// Establish signals the comm is ready; the client begins tracking.
type Establish struct{}

func (Establish) incomingTag() string { return TypeEstablish }

// Unestablish signals the kernel tore the comm down.
type Unestablish struct{}

func (Unestablish) incomingTag() string { return TypeUnestablish }

// SetExecMode carries a kernel-side execution mode change.
type SetExecMode struct {
	ExecMode string `json:"exec_mode"`
}

func (SetExecMode) incomingTag() string { return TypeSetExecMode }

// ScheduleResult wraps one schedule response round.
type ScheduleResult struct {
	schedule.Response
}

func (ScheduleResult) incomingTag() string { return TypeComputeExecSchedule }

// Unknown preserves the tag of a message this client does not understand.
type Unknown struct {
	Tag string
}

func (Unknown) incomingTag() string { return "" }

// Decode parses a raw payload into its tagged variant. A success:false flag
// fails the whole message with ErrFailedPayload regardless of tag. Unknown
// tags decode to Unknown, not an error, so callers can log and move on.
func Decode(raw []byte) (Incoming, error) {
	var env struct {
		Type    string `json:"type"`
		Success *bool  `json:"success"`
	}
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return nil, fmt.Errorf("%w: %s", ErrFailedPayload, env.Type)
	}

	switch env.Type {
	case TypeEstablish:
		return Establish{}, nil
	case TypeUnestablish:
		return Unestablish{}, nil
	case TypeSetExecMode:
		var m SetExecMode
		if err := sonic.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeComputeExecSchedule:
		var m ScheduleResult
		if err := sonic.Unmarshal(raw, &m.Response); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	default:
		return Unknown{Tag: env.Type}, nil
	}
}

// Outgoing is the closed set of client-to-kernel messages.
type Outgoing interface {
	outgoingTag() string
}

// ChangeActiveCell reports the selected cell and its current position.
type ChangeActiveCell struct {
	ActiveCellID       cells.ID `json:"active_cell_id"`
	ActiveCellOrderIdx int      `json:"active_cell_order_idx"`
}

func (ChangeActiveCell) outgoingTag() string { return TypeChangeActiveCell }

// CellMetadata is the per-cell snapshot sent alongside schedule requests and
// content notifications.
type CellMetadata struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// NotifyContentChanged ships the full cell metadata map after edits settle.
type NotifyContentChanged struct {
	CellMetadataByID map[cells.ID]CellMetadata `json:"cell_metadata_by_id"`
}

func (NotifyContentChanged) outgoingTag() string { return TypeNotifyContentChanged }

// ComputeExecSchedule requests the next scheduling round.
type ComputeExecSchedule struct {
	ExecutedCellID        cells.ID                  `json:"executed_cell_id,omitempty"`
	CellMetadataByID      map[cells.ID]CellMetadata `json:"cell_metadata_by_id"`
	IsReactivelyExecuting bool                      `json:"is_reactively_executing"`
}

func (ComputeExecSchedule) outgoingTag() string { return TypeComputeExecSchedule }

// ReactivityCleanup tells the kernel a reactive cascade fully settled.
type ReactivityCleanup struct{}

func (ReactivityCleanup) outgoingTag() string { return TypeReactivityCleanup }

// ToggleReactivity flips the kernel's ephemeral reactivity mode; sent in
// pairs around alt-mode executions.
type ToggleReactivity struct{}

func (ToggleReactivity) outgoingTag() string { return TypeToggleReactivity }

// Encode serializes m with its tag injected into the object body.
func Encode(m Outgoing) ([]byte, error) {
	body, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.outgoingTag(), err)
	}
	obj := make(map[string]any)
	if err := sonic.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.outgoingTag(), err)
	}
	obj["type"] = m.outgoingTag()
	out, err := sonic.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.outgoingTag(), err)
	}
	return out, nil
}
