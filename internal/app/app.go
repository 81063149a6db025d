// Package app assembles the worker: configuration, connections, the queue
// consumer and the retention sweeper, with dependencies built lazily on first
// use.
package app

import (
	"context"
	"log/slog"
)

type app struct {
	di *dependencyInjector
}

func New(ctx context.Context) *app {
	return &app{di: newDI()}
}

func (a *app) Run(ctx context.Context) error {
	a.di.Logger()

	if err := a.di.MigrateSchema(); err != nil {
		return err
	}

	c := a.di.Consumer(ctx)
	slog.Info("worker starting...")

	defer a.di.Close(ctx)
	defer c.Stop(ctx)

	c.Run(ctx)
	a.di.Sweeper(ctx).Run(ctx)
	slog.Info("worker running...")

	<-ctx.Done()

	slog.Info("worker shutting down...")
	return nil
}
