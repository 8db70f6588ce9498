// Package main implements the regionctl reference executor. It speaks the
// executor protocol on stdin/stdout and manages resources declared as
// resource.<id> parameters without touching real infrastructure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/regionctl/pkg/executor/local"
)

func main() {
	// stdout carries the protocol; logs go to stderr
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Executor session failed")
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:           "regionctl-local-executor",
		Short:         "Reference IaC executor for regionctl",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return local.NewRunner(os.Stdin, os.Stdout, delay, log.Logger).Serve(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "time spent on every mutating change")

	return cmd
}
