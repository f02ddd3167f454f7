package main

import (
	"context"
	"fmt"
	"io"

	"cpterm/internal/cmdserver"
	"cpterm/internal/config"
	"cpterm/internal/host"
	"cpterm/internal/logging"
	"cpterm/internal/message"
	"cpterm/internal/problem"
	"cpterm/internal/scratchfile"
	"cpterm/internal/transport"
	"cpterm/internal/watch"
)

// runHost wires the host together and serves the extension on r/w until the
// stream ends or ctx is cancelled. Cancellation runs the shutdown hooks without
// waiting for the blocked stdin read.
func runHost(ctx context.Context, cfg *config.Config, r io.ReadCloser, w io.Writer) error {
	defer r.Close()
	conn := transport.New(r, w, transport.WithMaxMessageSize(cfg.Transport.MaxMessageBytes))
	h := host.New(conn, host.WithVersion(version))

	mux, err := watch.New(watch.WithStopTimeout(cfg.GetWatchStopTimeout()))
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	files := scratchfile.New()
	wf := problem.New(h, cfg.NewPrefs(), files, mux,
		problem.WithServerFactory(func(port int, save *problem.Workflow) problem.CommandServer {
			return cmdserver.New(h, save,
				cmdserver.WithBind(cfg.CommandServer.Bind),
				cmdserver.WithPort(port),
				cmdserver.WithReadTimeout(cfg.GetReadTimeout()),
				cmdserver.WithCommandTimeout(cfg.GetCommandTimeout()),
			)
		}),
	)

	h.Handle(message.TypeNewProblem, wf.HandleNewProblem)
	h.Handle(message.TypeSetPrefs, wf.HandleSetPrefs)
	h.Handle(message.TypeCommand, func(_ context.Context, m message.Message) bool {
		if c := m.(*message.Command); c.Name != message.CommandKeepAlive {
			logging.Get(logging.CategoryHost).Warn("ignoring command %q from extension", c.Name)
		}
		return true
	})
	h.OnShutdown(func() {
		wf.Shutdown()
		if err := mux.Close(); err != nil {
			logging.Get(logging.CategoryWatch).Warn("closing watcher: %v", err)
		}
	})
	wf.Start()

	err = h.Run(ctx)
	if ctx.Err() != nil {
		logging.Boot("stopped by signal")
		return nil
	}
	return err
}
