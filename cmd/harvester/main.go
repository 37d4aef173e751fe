package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvester/internal/app"
	"harvester/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&envPath, "env", "", "optional .env file loaded before the config")
	flag.BoolVar(&once, "once", false, "run a single ingestion pass and exit")
	flag.Parse()

	if envPath != "" {
		if err := config.LoadEnv(envPath, true); err != nil {
			fmt.Fprintln(os.Stderr, "fatal env:", err)
			os.Exit(1)
		}
	} else if err := config.LoadEnv(".env", false); err != nil {
		fmt.Fprintln(os.Stderr, "fatal env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		err := a.RunOnce(ctx, os.Stdout)
		_ = a.Stop(context.Background(), app.StopOnceDone)
		if err != nil {
			fmt.Fprintln(os.Stderr, "pass:", err)
			if errors.Is(err, app.ErrSourcesFailed) {
				os.Exit(2)
			}
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
