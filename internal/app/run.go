package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/comm"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/gateway"
	"github.com/kkpan11/ipyflow/internal/notebook"
	"github.com/kkpan11/ipyflow/internal/session"
	"github.com/kkpan11/ipyflow/internal/sioch"
	"github.com/kkpan11/ipyflow/internal/watcher"
)

const establishTimeout = 30 * time.Second

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.healthCheckServer(ctx)
	defer a.closeHealthCheckServer(ctx)

	doc, err := notebook.Load(a.cfg.NotebookPath)
	if err != nil {
		return fmt.Errorf("failed to load notebook: %w", err)
	}
	a.logger.Info("Notebook loaded.", "path", a.cfg.NotebookPath, "cells", len(doc.Cells()))

	ch, execFn, cleanup, err := a.dialChannel(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	doc.SetExec(execFn)

	reg := session.NewRegistry()
	defer reg.DestroyAll()
	st := reg.Create("")
	st.Settings = st.Settings.Apply(a.cfg.Overrides)

	bridge, err := comm.New(comm.Config{
		Session:  st,
		Channel:  ch,
		Notebook: doc,
		Debounce: a.debounce(),
	})
	if err != nil {
		return fmt.Errorf("failed to build comm bridge: %w", err)
	}
	bridge.Start(ctx)
	defer bridge.Close()

	estCtx, cancel := context.WithTimeout(ctx, establishTimeout)
	defer cancel()
	if err := bridge.WaitEstablished(estCtx); err != nil {
		return fmt.Errorf("comm channel never established: %w", err)
	}
	a.logger.Info("🚀 Session established.", "session_id", st.ID)

	if err := a.seedRun(ctx, doc, bridge); err != nil {
		return err
	}

	if !a.cfg.Watch {
		a.logger.Info("🏁 Run finished.")
		return nil
	}
	return a.watch(ctx, doc, bridge)
}

// dialChannel picks the comm transport from the configuration: a direct
// socket.io endpoint, a kernel resolved through a Jupyter gateway, or the
// in-process loopback kernel when neither is configured. It returns the
// channel, the execution backend to attach to the document, and a cleanup
// func that is safe to call exactly once.
func (a *App) dialChannel(ctx context.Context) (comm.Channel, cells.ExecFunc, func(), error) {
	opts := sioch.Options{
		Namespace:          a.cfg.Namespace,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	}

	switch {
	case a.cfg.Endpoint != "":
		a.logger.Debug("Dialing comm endpoint directly.", "endpoint", a.cfg.Endpoint)
		conn, err := sioch.Dial(ctx, a.cfg.Endpoint, opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", a.cfg.Endpoint, err)
		}
		return conn, conn.Runner(0), func() { conn.Close() }, nil

	case a.cfg.Gateway != "":
		gw := gateway.New(a.cfg.Gateway, a.cfg.Token)
		kernel, err := gw.ResolveKernel(ctx, a.cfg.KernelName)
		if err != nil {
			gw.Close()
			return nil, nil, nil, fmt.Errorf("failed to resolve kernel via gateway: %w", err)
		}
		endpoint := gw.CommEndpoint(kernel)
		a.logger.Debug("Dialing kernel comm endpoint.", "kernel_id", kernel.ID, "endpoint", endpoint)
		conn, err := sioch.Dial(ctx, endpoint, opts)
		if err != nil {
			gw.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect to kernel %s: %w", kernel.ID, err)
		}
		cleanup := func() {
			conn.Close()
			gw.Close()
		}
		return conn, conn.Runner(0), cleanup, nil

	default:
		a.logger.Info("No endpoint configured, running against the in-process loopback kernel.")
		client, lk := startLoopback(ctx)
		return client, dryRunExec(), lk.Close, nil
	}
}

// seedRun executes the configured seed cells, waiting for each cascade to
// settle before starting the next. In watch mode a failed cascade is logged
// and the run moves on; otherwise it aborts.
func (a *App) seedRun(ctx context.Context, doc *cells.Document, bridge *comm.Bridge) error {
	var seeds []cells.ID
	if a.cfg.Cell != "" {
		c, ok := doc.Cell(cells.ID(a.cfg.Cell))
		if !ok {
			return fmt.Errorf("seed cell %q not found in notebook", a.cfg.Cell)
		}
		if c.Kind != cells.Code {
			return fmt.Errorf("seed cell %q is not a code cell", a.cfg.Cell)
		}
		seeds = []cells.ID{c.ID}
	} else {
		for _, c := range doc.Cells() {
			if c.Kind == cells.Code {
				seeds = append(seeds, c.ID)
			}
		}
	}
	if len(seeds) == 0 {
		a.logger.Warn("No code cells found, execution not required.")
		return nil
	}

	a.logger.Info("🚀 Starting seed execution...", "cells", len(seeds), "alt_mode", a.cfg.AltMode)
	for _, id := range seeds {
		if a.cfg.AltMode {
			bridge.ExecuteCellAltMode(id)
		} else {
			bridge.ExecuteCell(id)
		}
		if err := bridge.WaitSettled(ctx); err != nil {
			if a.cfg.Watch {
				a.logger.Warn("Cascade failed, continuing in watch mode.", "cell", id, "error", err)
				continue
			}
			return fmt.Errorf("cascade for cell %s failed: %w", id, err)
		}
		a.logger.Debug("Cascade settled.", "cell", id)
	}
	return nil
}

// watch keeps the session alive, reloading the notebook whenever the file
// changes on disk and re-running the cells the edit touched. It returns when
// the context is cancelled or the comm channel dies.
func (a *App) watch(ctx context.Context, doc *cells.Document, bridge *comm.Bridge) error {
	changed := make(chan struct{}, 1)
	w, err := watcher.New(a.cfg.NotebookPath, a.debounce(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch notebook: %w", err)
	}
	defer w.Close()

	g, gctx := errgroup.WithContext(ctx)
	w.Start(gctx)

	g.Go(func() error {
		select {
		case <-bridge.Done():
			return errors.New("comm channel closed while watching")
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-changed:
				if err := a.reseed(gctx, doc, bridge); err != nil {
					a.logger.Warn("Re-run after notebook change failed.", "error", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	a.logger.Info("Watching notebook for changes.", "path", a.cfg.NotebookPath)
	err = g.Wait()
	a.logger.Info("🏁 Watch stopped.")
	return err
}

// reseed reloads the notebook from disk and re-executes the code cells whose
// source the edit changed.
func (a *App) reseed(ctx context.Context, doc *cells.Document, bridge *comm.Bridge) error {
	if err := notebook.Reload(doc, a.cfg.NotebookPath); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}

	// Dirty here means the source changed and the cell has not successfully
	// re-run since.
	var dirty []cells.ID
	for _, c := range doc.Cells() {
		if c.Kind == cells.Code && c.Dirty {
			dirty = append(dirty, c.ID)
		}
	}
	if len(dirty) == 0 {
		a.logger.Debug("Notebook reloaded, no code changes.")
		return nil
	}

	a.logger.Info("Notebook changed, re-running edited cells.", "cells", len(dirty))
	for _, id := range dirty {
		bridge.ExecuteCell(id)
		if err := bridge.WaitSettled(ctx); err != nil {
			return fmt.Errorf("cascade for cell %s failed: %w", id, err)
		}
	}
	return nil
}

func (a *App) debounce() time.Duration {
	return time.Duration(a.cfg.DebounceMs) * time.Millisecond
}
