package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/closure"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/driver"
	"github.com/kkpan11/ipyflow/internal/project"
	"github.com/kkpan11/ipyflow/internal/schedule"
	"github.com/kkpan11/ipyflow/internal/session"
)

const defaultDebounce = 500 * time.Millisecond

// Config wires a Bridge. Session, Channel and Notebook are required. Surface
// defaults to the notebook itself when it can render classes; Debounce
// defaults to 500ms.
type Config struct {
	Session  *session.State
	Channel  Channel
	Notebook cells.Notebook
	Surface  project.Surface
	Debounce time.Duration
}

// Bridge is the per-session event loop. All session state mutation happens on
// its single loop goroutine: kernel messages, UI callbacks and completion
// signals are funneled into it and handled in arrival order.
type Bridge struct {
	st      *session.State
	ch      Channel
	nb      cells.Notebook
	surface project.Surface

	sched *schedule.Scheduler
	drv   *driver.Driver
	proj  project.Projector

	debounce time.Duration

	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	established chan struct{}
	estOnce     sync.Once

	mu         sync.Mutex
	settledCh  chan struct{}
	cascadeErr error

	// Loop-owned fields below; never touched off-loop.
	runCtx   context.Context
	timer    *time.Timer
	cancels  []func()
	tracking bool
}

// New builds a Bridge and registers it for teardown with the session. Call
// Start to begin processing.
func New(cfg Config) (*Bridge, error) {
	if cfg.Session == nil || cfg.Channel == nil || cfg.Notebook == nil {
		return nil, fmt.Errorf("comm: session, channel and notebook are all required")
	}
	surface := cfg.Surface
	if surface == nil {
		if s, ok := cfg.Notebook.(project.Surface); ok {
			surface = s
		}
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	b := &Bridge{
		st:          cfg.Session,
		ch:          cfg.Channel,
		nb:          cfg.Notebook,
		surface:     surface,
		debounce:    debounce,
		mailbox:     make(chan func(), 128),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		established: make(chan struct{}),
	}
	b.drv = driver.New(cfg.Notebook, b.onCellDone)
	b.sched = schedule.New(cfg.Notebook, b.drv)

	// Registry-driven destruction must stop the loop without blocking on
	// it; Close waits, this hook only signals.
	cfg.Session.OnTeardown(b.signalQuit)
	return b, nil
}

// Start launches the loop goroutine. The context carries the logger and
// bounds every send; cancelling it stops the loop.
func (b *Bridge) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Done is closed when the loop has exited for any reason.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close stops the loop and waits for it and all completion watchers to
// finish. Idempotent.
func (b *Bridge) Close() error {
	b.signalQuit()
	<-b.done
	b.drv.Wait()
	b.proj.Dispose()
	return nil
}

func (b *Bridge) signalQuit() {
	b.closeOnce.Do(func() { close(b.quit) })
}

// post funnels fn into the loop. Dropped silently once the bridge is
// shutting down.
func (b *Bridge) post(fn func()) {
	select {
	case b.mailbox <- fn:
	case <-b.quit:
	}
}

// onCellDone runs on a driver watcher goroutine; the completion round is
// handed to the loop.
func (b *Bridge) onCellDone(res cells.RunResult) {
	b.post(func() { b.handleCompletion(res) })
}

func (b *Bridge) loop(ctx context.Context) {
	ctx, logger := ctxlog.With(ctx, "session_id", b.st.ID)
	b.runCtx = ctx

	defer func() {
		b.stopTracking()
		if b.timer != nil {
			b.timer.Stop()
		}
		close(b.done)
	}()

	recv := b.ch.Recv()
	for {
		if !b.st.Live() {
			logger.Debug("Session disconnected, bridge loop exiting.")
			return
		}
		select {
		case raw, ok := <-recv:
			if !ok {
				logger.Info("Comm channel closed by peer.")
				return
			}
			if !b.st.Live() {
				logger.Debug("Dropping message for disconnected session.")
				return
			}
			b.handleRaw(ctx, raw)
		case fn := <-b.mailbox:
			if !b.st.Live() {
				return
			}
			fn()
		case <-b.quit:
			return
		case <-ctx.Done():
			logger.Debug("Bridge context cancelled.")
			return
		}
	}
}

func (b *Bridge) handleRaw(ctx context.Context, raw []byte) {
	logger := ctxlog.FromContext(ctx)
	msg, err := Decode(raw)
	if err != nil {
		if errors.Is(err, ErrFailedPayload) {
			// The kernel reported failure; drop the whole message.
			logger.Debug("Dropping unsuccessful payload.", "error", err)
		} else {
			logger.Warn("Failed to decode incoming message.", "error", err)
		}
		return
	}

	switch m := msg.(type) {
	case Establish:
		b.handleEstablish(ctx)
	case Unestablish:
		logger.Info("Comm unestablished by kernel.")
		b.signalQuit()
	case SetExecMode:
		logger.Debug("Kernel changed execution mode.", "exec_mode", m.ExecMode)
		b.st.Settings.ExecMode = session.ExecMode(m.ExecMode)
	case ScheduleResult:
		b.handleSchedule(ctx, &m.Response)
	case Unknown:
		logger.Warn("Ignoring message with unknown tag.", "tag", m.Tag)
	}
}

// handleEstablish begins UI tracking and announces the current active cell.
func (b *Bridge) handleEstablish(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Comm established with kernel.")

	if !b.tracking {
		b.tracking = true
		b.cancels = append(b.cancels,
			b.nb.OnActiveCellChange(func(id cells.ID) {
				b.post(func() { b.handleActiveCellChange(id) })
			}),
			b.nb.OnContentChange(func(id cells.ID) {
				b.post(func() { b.handleContentChange(id) })
			}),
		)
	}

	b.st.ActiveCell = b.nb.Active()
	b.sendActiveCell(ctx)
	b.estOnce.Do(func() { close(b.established) })
}

func (b *Bridge) stopTracking() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.tracking = false
}

// WaitEstablished blocks until the kernel has opened the comm.
func (b *Bridge) WaitEstablished(ctx context.Context) error {
	select {
	case <-b.established:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) handleActiveCellChange(id cells.ID) {
	// Bookkeeping is always updated, even mid-execution; only schedule
	// requests are gated by the re-entrancy rule.
	b.st.ActiveCell = id
	b.sendActiveCell(b.runCtx)
	b.applyProjection()
}

func (b *Bridge) sendActiveCell(ctx context.Context) {
	idx := -1
	if c, ok := b.nb.Cell(b.st.ActiveCell); ok {
		idx = c.Index
	}
	b.send(ctx, ChangeActiveCell{ActiveCellID: b.st.ActiveCell, ActiveCellOrderIdx: idx})
}

// handleContentChange restarts the debounce window; the notification itself
// fires only after edits go quiet.
func (b *Bridge) handleContentChange(cells.ID) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.post(b.flushContentChanged)
	})
}

func (b *Bridge) flushContentChanged() {
	b.send(b.runCtx, NotifyContentChanged{CellMetadataByID: b.metadata()})
}

func (b *Bridge) metadata() map[cells.ID]CellMetadata {
	out := make(map[cells.ID]CellMetadata)
	for _, c := range b.nb.Cells() {
		out[c.ID] = CellMetadata{Index: c.Index, Content: c.Source, Type: c.Kind.String()}
	}
	return out
}

// handleSchedule advances the state machine one round and acts on the
// outcome.
func (b *Bridge) handleSchedule(ctx context.Context, resp *schedule.Response) {
	logger := ctxlog.FromContext(ctx)
	out, err := b.sched.Step(ctx, b.st, resp)
	if err != nil {
		logger.Warn("Schedule round failed.", "error", err)
		b.setCascadeErr(err)
	}
	if out.NeedsCleanup {
		b.send(ctx, ReactivityCleanup{})
	}

	// A failed dispatch with nothing in flight ends the cascade too: no
	// completion is coming to drive another round.
	ended := out.Settled || out.Halted || (err != nil && b.drv.InFlight() == 0)
	if ended {
		b.finishAltMode(ctx)
		b.applyProjection()
		b.signalSettled()
	}
}

// handleCompletion turns one finished execution into the next schedule round.
func (b *Bridge) handleCompletion(res cells.RunResult) {
	if res.Err != nil {
		b.setCascadeErr(fmt.Errorf("cell %s: %w", res.Cell, res.Err))
	}
	b.sendComputeSchedule(b.runCtx, res.Cell)
}

func (b *Bridge) sendComputeSchedule(ctx context.Context, executed cells.ID) {
	b.st.Phase = session.PhaseAwaitingSchedule
	b.send(ctx, ComputeExecSchedule{
		ExecutedCellID:        executed,
		CellMetadataByID:      b.metadata(),
		IsReactivelyExecuting: b.st.IsReactivelyExecuting,
	})
}

// ExecuteCell runs one cell as a user action, expanding to the forward
// closure first in batch mode. The cascade is opened before the thunk is
// posted so a WaitSettled call right after always has something to wait on.
func (b *Bridge) ExecuteCell(id cells.ID) {
	b.beginCascade()
	b.post(func() { b.execute(b.runCtx, id, false) })
}

// ExecuteCellAltMode runs one cell under a temporarily toggled reactivity
// mode. The kernel is toggled back once all alt-mode cascades settle.
func (b *Bridge) ExecuteCellAltMode(id cells.ID) {
	b.beginCascade()
	b.post(func() { b.execute(b.runCtx, id, true) })
}

func (b *Bridge) execute(ctx context.Context, id cells.ID, altMode bool) {
	logger := ctxlog.FromContext(ctx)
	seed, ok := b.nb.Cell(id)
	if !ok || seed.Kind != cells.Code {
		logger.Warn("Refusing to execute missing or non-code cell.", "cell_id", string(id))
		b.setCascadeErr(fmt.Errorf("cell %q is not executable", id))
		b.signalSettled()
		return
	}

	if altMode {
		b.st.AltModeCount++
		if b.st.AltModeCount == 1 {
			b.send(ctx, ToggleReactivity{})
		}
	}

	plan := []cells.Cell{seed}
	if b.st.Settings.ReactivityMode == session.ReactivityBatch {
		full := closure.Closure([]cells.ID{id}, b.st.Children, true, b.nb)
		plan = plan[:0]
		for _, c := range full {
			if c.Kind == cells.Code {
				plan = append(plan, c)
			}
		}
	}
	for _, c := range plan {
		b.st.MarkExecuted(c.ID)
	}
	b.st.ActiveCell = id
	b.st.Phase = session.PhaseExecuting

	if err := b.drv.ExecuteSequence(ctx, plan); err != nil {
		logger.Warn("User execution failed to dispatch.", "cell_id", string(id), "error", err)
		b.setCascadeErr(err)
		if b.drv.InFlight() == 0 {
			b.st.Phase = session.PhaseIdle
			b.signalSettled()
		}
	}
}

// finishAltMode counts a settled cascade against the alt-mode counter and
// toggles the kernel back once it reaches zero.
func (b *Bridge) finishAltMode(ctx context.Context) {
	if b.st.AltModeCount == 0 {
		return
	}
	b.st.AltModeCount--
	if b.st.AltModeCount == 0 {
		b.send(ctx, ToggleReactivity{})
	}
}

func (b *Bridge) applyProjection() {
	if b.surface == nil {
		return
	}
	b.proj.Apply(b.st, b.nb, b.surface)
}

func (b *Bridge) beginCascade() {
	b.mu.Lock()
	if b.settledCh == nil {
		b.settledCh = make(chan struct{})
	}
	b.cascadeErr = nil
	b.mu.Unlock()
}

func (b *Bridge) signalSettled() {
	b.mu.Lock()
	if b.settledCh != nil {
		close(b.settledCh)
		b.settledCh = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) setCascadeErr(err error) {
	b.mu.Lock()
	if b.cascadeErr == nil {
		b.cascadeErr = err
	}
	b.mu.Unlock()
}

// Err reports the first error of the most recent cascade, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cascadeErr
}

// WaitSettled blocks until the in-flight cascade settles and returns its
// first error. Returns immediately when no cascade is running.
func (b *Bridge) WaitSettled(ctx context.Context) error {
	b.mu.Lock()
	ch := b.settledCh
	b.mu.Unlock()
	if ch == nil {
		return b.Err()
	}
	select {
	case <-ch:
		return b.Err()
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) send(ctx context.Context, m Outgoing) {
	logger := ctxlog.FromContext(ctx)
	payload, err := Encode(m)
	if err != nil {
		logger.Error("Failed to encode outgoing message.", "tag", m.outgoingTag(), "error", err)
		return
	}
	if err := b.ch.Send(ctx, payload); err != nil {
		logger.Warn("Failed to send message to kernel.", "tag", m.outgoingTag(), "error", err)
	}
}
