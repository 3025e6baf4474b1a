package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"globalchat/internal/app"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "./config.json", "path to config file (json, jsonc or yaml)")
	stopTimeout := pflag.Duration("stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, *cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		sctx, scancel := context.WithTimeout(context.Background(), *stopTimeout)
		_ = a.Stop(sctx, app.StopFatalError)
		scancel()
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	sctx, scancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer scancel()
	_ = a.Stop(sctx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
