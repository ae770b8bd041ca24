package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/graphops/poiwatch/app/crosschecker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := crosschecker.Initialize(ctx)

	app.Start(ctx)
}
