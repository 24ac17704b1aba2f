package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/internal/scheduler"
)

// serve recovers in-flight work, then runs the workers and the scheduler
// until ctx is done.
func (a *app) serve(ctx context.Context) error {
	if err := a.resume(ctx); err != nil {
		return err
	}

	sched := scheduler.New(a.logger)
	if err := a.schedule(sched); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g)
	g.Go(func() error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return sched.Stop()
	})

	a.logger.Info("flowcore serving",
		slog.String("store", a.cfg.Store.Driver),
		slog.String("transport", a.cfg.Transport.Driver),
		slog.String("data", a.cfg.Data.Driver),
		slog.String("version", version))
	return ignoreCanceled(g.Wait())
}

// serveMCP runs the MCP stdio server next to the workers. Closing stdin
// stops everything.
func (a *app) serveMCP(ctx context.Context) error {
	if err := a.resume(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g)
	srv := a.mcpServer()
	g.Go(func() error {
		defer cancel()
		return srv.Serve(ctx)
	})
	return ignoreCanceled(g.Wait())
}

func (a *app) resume(ctx context.Context) error {
	n, err := a.bus.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover event bus: %w", err)
	}
	m, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if n > 0 || m > 0 {
		a.logger.Info("recovered in-flight work", slog.Int("events", n), slog.Int("executions", m))
	}
	return nil
}

// startWorkers consumes bus deliveries, workflow triggers, pipeline jobs and
// dead letters.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) {
	group := a.cfg.Transport.Group
	g.Go(func() error { return a.bus.Consume(ctx, "") })
	g.Go(func() error { return a.engine.Listen(ctx, a.transport, a.cfg.EventBus.Topic, "") })
	g.Go(func() error { return a.queue.SubscribeJobs(ctx, group, a.orch.HandleJob) })
	g.Go(func() error { return a.replayer.Run(ctx, group) })
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
