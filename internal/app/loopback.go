package app

import (
	"context"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/comm"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/inmemorychannel"
)

// loopbackKernel answers the comm protocol in-process for offline dry runs.
// It establishes immediately and acknowledges every schedule request with an
// empty plan, so each cell runs exactly once and every cascade settles.
type loopbackKernel struct {
	ep   *inmemorychannel.Endpoint
	done chan struct{}
}

// startLoopback wires a loopback kernel to a fresh pipe and returns the
// client endpoint for the bridge.
func startLoopback(ctx context.Context) (*inmemorychannel.Endpoint, *loopbackKernel) {
	client, kernelSide := inmemorychannel.Pipe()
	lk := &loopbackKernel{ep: kernelSide, done: make(chan struct{})}
	go lk.serve(ctx)
	return client, lk
}

func (lk *loopbackKernel) serve(ctx context.Context) {
	ctx, logger := ctxlog.With(ctx, "component", "loopback")
	defer close(lk.done)

	if err := lk.ep.Send(ctx, []byte(`{"type":"establish"}`)); err != nil {
		logger.Warn("Loopback kernel failed to establish.", "error", err)
		return
	}

	for {
		select {
		case raw, ok := <-lk.ep.Recv():
			if !ok {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := sonic.Unmarshal(raw, &env); err != nil {
				logger.Warn("Loopback kernel dropping malformed message.", "error", err)
				continue
			}
			if env.Type != comm.TypeComputeExecSchedule {
				continue
			}
			ack := []byte(`{"type":"compute_exec_schedule","success":true}`)
			if err := lk.ep.Send(ctx, ack); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close tears the loopback pipe down and waits for its goroutine.
func (lk *loopbackKernel) Close() {
	lk.ep.Close()
	<-lk.done
}

// dryRunExec is the execution backend for loopback mode: it assigns
// monotonically increasing counters without running anything.
func dryRunExec() cells.ExecFunc {
	var counter atomic.Int64
	return func(ctx context.Context, c cells.Cell) cells.RunResult {
		return cells.RunResult{Cell: c.ID, Counter: int(counter.Add(1))}
	}
}
