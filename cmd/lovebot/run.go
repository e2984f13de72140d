package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lovebot/internal/app"
	"lovebot/internal/config"
	"lovebot/internal/delivery"
)

const (
	exitConfig  = 2
	stopTimeout = 10 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envPath); err != nil {
			return &exitError{code: exitConfig, err: err}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(cfgPath, app.Options{})
		if err != nil {
			if config.IsConfigError(err) {
				return &exitError{code: exitConfig, err: err}
			}
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		stopErr := a.Stop(stopCtx, reason)

		if err := a.Err(); err != nil {
			if errors.Is(err, delivery.ErrStorageExhausted) {
				return fmt.Errorf("storage unavailable, cannot guarantee exactly-once delivery: %w", err)
			}
			return err
		}
		return stopErr
	},
}
