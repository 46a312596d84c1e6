package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/chainheights/app/checker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := checker.Initialize(ctx)

	app.Start(ctx)
}
