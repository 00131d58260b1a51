package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

// Serve runs the scheduler, dispatcher, webhook deliverer, event replay and
// admin API until ctx is cancelled or one of them fails.
func (c *Container) Serve(ctx context.Context) error {
	server := c.HTTPServer()
	return c.runAll(ctx,
		component{name: "scheduler", run: c.Scheduler.Run},
		component{name: "dispatcher", run: func(ctx context.Context) error {
			return c.Dispatcher.Run(ctx, c.Scheduler)
		}},
		component{name: "webhook deliverer", run: c.Deliverer.Run},
		component{name: "event replay", run: func(ctx context.Context) error {
			return c.Bus.RunReplay(ctx, c.Config.Webhook.ReplayInterval)
		}},
		component{name: "api server", run: server.Start},
	)
}

// Deliver runs only webhook delivery and event replay, for deployments that
// scale delivery separately from dispatch. It requires shared storage.
func (c *Container) Deliver(ctx context.Context) error {
	if c.Postgres == nil {
		return errors.New("deliver: standalone delivery requires the postgres storage driver")
	}
	return c.runAll(ctx,
		component{name: "webhook deliverer", run: c.Deliverer.Run},
		component{name: "event replay", run: func(ctx context.Context) error {
			return c.Bus.RunReplay(ctx, c.Config.Webhook.ReplayInterval)
		}},
	)
}

func (c *Container) runAll(ctx context.Context, components ...component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.Logger.Info("starting orchestrator",
		zap.String("version", c.Config.App.Version),
		zap.String("env", c.Config.App.Env),
		zap.String("storage", c.Config.Storage.Driver),
		zap.String("telephony", c.Config.Telephony.Provider),
	)

	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := comp.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", comp.name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.Logger.Info("shutdown signal received")
	case runErr = <-errCh:
		c.Logger.Error("component failed", zap.Error(runErr))
	}
	cancel()
	wg.Wait()

	c.Logger.Info("orchestrator stopped")
	return runErr
}
