package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cipherchat "github.com/putto11262002/cipherchat/app"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := cipherchat.LoadConfig(*configDir)
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	app, err := cipherchat.New(ctx, config, nil)
	if err != nil {
		failed(1, "failed to start: %v\n", err)
	}

	if err := app.Start(); err != nil {
		failed(1, "%v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
