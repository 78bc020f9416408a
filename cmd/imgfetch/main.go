// Package main is the entry point for imgfetch, which loads images through
// an imageload.Loader and writes them to disk.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
)

func main() {
	os.Exit(Main())
}

// Main executes the root command and returns the process exit code.
func Main() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
	})
	ctx = log.WithContext(ctx, logger)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error(err)
		return 1
	}
	return 0
}
